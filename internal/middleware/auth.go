// Package middleware provides the HTTP middleware in front of the API.
package middleware

import (
	"context"
	"net/http"

	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/httputil"
	"github.com/bitloss-labs/bitloss/internal/identity"
	"github.com/bitloss-labs/bitloss/internal/logging"
)

type identityKey struct{}

// WithIdentity stores a verified identity in ctx.
func WithIdentity(ctx context.Context, id *identity.Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, id)
	return logging.WithUserID(ctx, id.UserID)
}

// IdentityFrom returns the verified identity in ctx, or nil for anonymous
// requests.
func IdentityFrom(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(identityKey{}).(*identity.Identity)
	return id
}

// GetUserID extracts the user ID from context.
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// AuthMiddleware resolves bearer tokens through an identity provider.
//
// Requests without an Authorization header pass through anonymously. A
// header that is present but does not verify is always rejected, never
// downgraded to anonymous.
type AuthMiddleware struct {
	resolver identity.Resolver
	logger   *logging.Logger
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(resolver identity.Resolver, logger *logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver, logger: logger}
}

// Handler attaches the caller's identity when a token is presented.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := httputil.BearerToken(r)
		if !present {
			next.ServeHTTP(w, r)
			return
		}
		if token == "" {
			m.respondError(w, r, svcerrors.Unauthorized("Invalid Authorization header format"))
			return
		}

		id, err := m.resolver.Resolve(r.Context(), token)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := WithIdentity(r.Context(), id)
		m.logger.WithContext(ctx).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.InvalidToken(err)
	}
	if se.HTTPStatus == http.StatusUnauthorized {
		m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
			"code":   string(se.Code),
		})
	} else {
		m.logger.WithContext(r.Context()).WithError(err).Warn("Identity provider unavailable")
	}
	httputil.WriteServiceError(w, r, se)
}

// RequireIdentity rejects anonymous requests. It must run after
// AuthMiddleware.Handler.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFrom(r.Context()) == nil {
			httputil.Unauthorized(w, r, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
