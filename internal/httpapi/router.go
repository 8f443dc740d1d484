// Package httpapi exposes the lifecycle controller over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bitloss-labs/bitloss/internal/identity"
	"github.com/bitloss-labs/bitloss/internal/lifecycle"
	"github.com/bitloss-labs/bitloss/internal/logging"
	"github.com/bitloss-labs/bitloss/internal/metrics"
	"github.com/bitloss-labs/bitloss/internal/middleware"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the API.
type Options struct {
	Controller *lifecycle.Controller
	Resolver   identity.Resolver
	Logger     *logging.Logger
	// Health is checked by GET /health. Nil reports healthy.
	Health Pinger
	// Events serves GET /ws. Nil leaves the route out.
	Events http.Handler

	CORS        *middleware.CORSMiddleware
	RateLimiter *middleware.RateLimiter
}

// API holds the HTTP handlers.
type API struct {
	ctrl   *lifecycle.Controller
	health Pinger
	logger *logging.Logger
}

// NewHandler builds the router and wraps it in the middleware chain:
// tracing, metrics, CORS, then auth and rate limiting on the game routes.
//
// Tracing, metrics and CORS wrap the router rather than being registered
// with it because mux skips route middleware when no route matches, and
// preflight requests match none.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.CORS == nil {
		opts.CORS = middleware.NewCORSMiddleware(nil)
	}

	api := &API{ctrl: opts.Controller, health: opts.Health, logger: opts.Logger}

	router := mux.NewRouter()
	router.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if opts.Events != nil {
		router.Handle("/ws", opts.Events).Methods(http.MethodGet)
	}

	game := router.NewRoute().Subrouter()
	game.Use(middleware.NewAuthMiddleware(opts.Resolver, opts.Logger).Handler)
	if opts.RateLimiter != nil {
		game.Use(opts.RateLimiter.Handler)
	}
	api.RegisterRoutes(game)

	var h http.Handler = router
	h = opts.CORS.Handler(h)
	h = metrics.InstrumentHandler(h)
	h = middleware.NewTracingMiddleware(opts.Logger).Handler(h)
	return h
}

// RegisterRoutes registers the game endpoints.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/feed", a.handleFeed).Methods(http.MethodGet)
	router.HandleFunc("/upload", a.handleUpload).Methods(http.MethodPost)
	router.Handle("/interact", middleware.RequireIdentity(http.HandlerFunc(a.handleInteract))).Methods(http.MethodPost)
	router.Handle("/comment", middleware.RequireIdentity(http.HandlerFunc(a.handleComment))).Methods(http.MethodPost)
	router.HandleFunc("/reveal/{id}", a.handleReveal).Methods(http.MethodGet)
	router.HandleFunc("/graveyard", a.handleGraveyard).Methods(http.MethodGet)
	router.HandleFunc("/archive", a.handleArchive).Methods(http.MethodGet)
	router.HandleFunc("/trending", a.handleTrending).Methods(http.MethodGet)
	router.HandleFunc("/leaderboard", a.handleLeaderboard).Methods(http.MethodGet)
	router.Handle("/me", middleware.RequireIdentity(http.HandlerFunc(a.handleMe))).Methods(http.MethodGet)
}
