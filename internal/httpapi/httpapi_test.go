package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitloss-labs/bitloss/internal/config"
	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/events"
	"github.com/bitloss-labs/bitloss/internal/httputil"
	"github.com/bitloss-labs/bitloss/internal/identity"
	"github.com/bitloss-labs/bitloss/internal/ledger"
	"github.com/bitloss-labs/bitloss/internal/lifecycle"
	"github.com/bitloss-labs/bitloss/internal/logging"
	"github.com/bitloss-labs/bitloss/internal/middleware"
	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/store/memory"
)

type tokenResolver map[string]identity.Identity

func (tr tokenResolver) Resolve(_ context.Context, token string) (*identity.Identity, error) {
	id, ok := tr[token]
	if !ok {
		return nil, svcerrors.InvalidToken(nil)
	}
	return &id, nil
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type server struct {
	handler http.Handler
	db      *memory.Store
	objects *objectstore.Memory
	ledger  *ledger.Manager
}

func newServer(t *testing.T, mutate ...func(*Options)) *server {
	t.Helper()
	db := memory.New()
	objects := objectstore.NewMemory("https://cdn.test")
	l := ledger.NewManager(db)
	ctrl, err := lifecycle.New(lifecycle.Deps{
		Store:   db,
		Ledger:  l,
		Objects: objects,
		Events:  events.Discard{},
		Rules:   config.DefaultRules(),
	})
	require.NoError(t, err)

	opts := Options{
		Controller: ctrl,
		Resolver: tokenResolver{
			"alice-token": {UserID: "alice", DisplayName: "Alice"},
			"bob-token":   {UserID: "bob", DisplayName: "Bob"},
		},
		Logger: logging.NewNop(),
		Health: db,
		CORS:   middleware.NewCORSMiddleware([]string{"https://bitloss.app"}),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &server{handler: NewHandler(opts), db: db, objects: objects, ledger: l}
}

func (s *server) seed(t *testing.T, id string, mutate ...func(*artifact.Artifact)) {
	t.Helper()
	now := time.Now().UTC()
	a := artifact.Artifact{
		ID:               id,
		OwnerID:          "carol",
		Caption:          "caption " + id,
		Integrity:        100,
		Status:           artifact.StatusActive,
		AssetKey:         artifact.ActivePrefix + id + ".png",
		OriginalAssetKey: artifact.OriginalPrefix + id + ".png",
		CreatedAt:        now,
		LastViewedAt:     &now,
	}
	for _, fn := range mutate {
		fn(&a)
	}
	require.NoError(t, s.db.CreateArtifact(context.Background(), &a))
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	rec := newServer(t).do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)

	rec = newServer(t, func(o *Options) { o.Health = downPinger{} }).do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decode[httputil.ErrorResponse](t, rec).Code)
}

func TestFeed(t *testing.T) {
	s := newServer(t)
	s.seed(t, "a1")
	s.seed(t, "dead", func(a *artifact.Artifact) { a.Status = artifact.StatusArchived })

	rec := s.do(t, http.MethodGet, "/feed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]lifecycle.ArtifactView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "a1", views[0].ID)
	assert.Equal(t, 1, views[0].Witnesses)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	rec = s.do(t, http.MethodGet, "/feed", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFeedEmptyIsArray(t *testing.T) {
	rec := newServer(t).do(t, http.MethodGet, "/graveyard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestInteract(t *testing.T) {
	s := newServer(t)
	s.seed(t, "a1", func(a *artifact.Artifact) { a.Integrity = 50 })

	tests := []struct {
		name       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"anonymous", "", InteractRequest{ArtifactID: "a1", Action: "heal"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown field", "alice-token", `{"artifact_id":"a1","action":"heal","extra":1}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing artifact id", "alice-token", InteractRequest{Action: "heal"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad action", "alice-token", InteractRequest{ArtifactID: "a1", Action: "bless"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown artifact", "alice-token", InteractRequest{ArtifactID: "nope", Action: "heal"}, http.StatusNotFound, "NOT_FOUND"},
		{"no credits", "alice-token", InteractRequest{ArtifactID: "a1", Action: "heal"}, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/interact", tt.token, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decode[httputil.ErrorResponse](t, rec).Code)
		})
	}

	_, _, err := s.ledger.ApplyCredit(context.Background(), "bob", 15, ledger.Credit{Kind: account.EntryWitness})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/interact", "bob-token", InteractRequest{ArtifactID: "a1", Action: "heal"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[lifecycle.InteractResult](t, rec)
	assert.Equal(t, int64(5), result.Credits)
	assert.InDelta(t, 55, result.Integrity, 0.01)
}

func TestCommentAndReveal(t *testing.T) {
	s := newServer(t)
	s.seed(t, "a1", func(a *artifact.Artifact) { a.HasSecret = true })
	require.NoError(t, s.db.CreateSecret(context.Background(), &artifact.Secret{ArtifactID: "a1", Text: "hidden"}))

	rec := s.do(t, http.MethodPost, "/comment", "alice-token", CommentRequest{ArtifactID: "a1", Content: "first"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	comment := decode[lifecycle.CommentView](t, rec)
	assert.Equal(t, "alice", comment.AuthorID)

	rec = s.do(t, http.MethodPost, "/comment", "", CommentRequest{ArtifactID: "a1", Content: "anon"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/reveal/a1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.Revelation{Secret: "hidden"}, decode[lifecycle.Revelation](t, rec))

	rec = s.do(t, http.MethodGet, "/reveal/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpload(t *testing.T) {
	s := newServer(t)

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var pngData bytes.Buffer
	require.NoError(t, png.Encode(&pngData, img))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "pic.png")
	require.NoError(t, err)
	_, err = part.Write(pngData.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("caption", "hello"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[lifecycle.ArtifactView](t, rec)
	assert.Equal(t, "alice", view.OwnerID)
	assert.Equal(t, "hello", view.Caption)
	assert.Len(t, s.objects.Keys(), 2)

	rec = s.do(t, http.MethodPost, "/upload", "alice-token", `{"image":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMeAndLeaderboard(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/me", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[account.Account](t, rec)
	assert.Equal(t, "Alice", me.DisplayName)

	rec = s.do(t, http.MethodGet, "/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]account.Account](t, rec), 1)
}

func TestPreflight(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/interact", nil)
	req.Header.Set("Origin", "https://bitloss.app")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://bitloss.app", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimited(t *testing.T) {
	s := newServer(t, func(o *Options) {
		o.RateLimiter = middleware.NewRateLimiter(0.001, 1, "salt", logging.NewNop())
	})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/trending", "", nil).Code)
	rec := s.do(t, http.MethodGet, "/trending", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health and metrics stay reachable.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", nil).Code)
}
