// Package identity turns a bearer token into the user it belongs to.
//
// A token that is present but cannot be verified is always an error; callers
// must never fall back to treating the request as anonymous.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/supabase/client"
)

// Identity is a verified user.
type Identity struct {
	UserID      string
	DisplayName string
}

// Resolver verifies tokens.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// displayNameFrom picks a display name from Supabase user metadata JSON.
func displayNameFrom(metadata gjson.Result, email, userID string) string {
	for _, path := range []string{"username", "user_name", "full_name", "name"} {
		if v := strings.TrimSpace(metadata.Get(path).String()); v != "" {
			return v
		}
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	if len(userID) > 8 {
		return userID[:8]
	}
	return userID
}

// =============================================================================
// Supabase Auth
// =============================================================================

// SupabaseResolver asks Supabase Auth who owns the token.
type SupabaseResolver struct {
	auth *client.AuthClient
}

// NewSupabaseResolver creates a resolver on c.
func NewSupabaseResolver(c *client.Client) *SupabaseResolver {
	return &SupabaseResolver{auth: c.Auth()}
}

func (r *SupabaseResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, svcerrors.Unauthorized("missing bearer token")
	}
	user, err := r.auth.GetUser(ctx, token)
	switch {
	case err == nil:
	case client.IsUnauthorized(err) || client.IsNotFound(err):
		return nil, svcerrors.InvalidToken(err)
	default:
		return nil, svcerrors.Unavailable("identity provider unavailable", err)
	}
	if user.ID == "" {
		return nil, svcerrors.InvalidToken(errors.New("token has no subject"))
	}

	raw := gjson.ParseBytes(user.Raw)
	return &Identity{
		UserID:      user.ID,
		DisplayName: displayNameFrom(raw.Get("user_metadata"), user.Email, user.ID),
	}, nil
}

// =============================================================================
// Shared-secret JWT
// =============================================================================

// JWTResolver verifies HS256 access tokens signed with the project's JWT
// secret, without a network round trip.
type JWTResolver struct {
	secret   []byte
	audience string
	leeway   time.Duration
}

// NewJWTResolver creates a resolver. audience may be empty to skip the
// audience check.
func NewJWTResolver(secret, audience string) (*JWTResolver, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTResolver{secret: []byte(secret), audience: audience, leeway: 30 * time.Second}, nil
}

type supabaseClaims struct {
	jwt.RegisteredClaims
	Email        string          `json:"email"`
	UserMetadata json.RawMessage `json:"user_metadata"`
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, svcerrors.Unauthorized("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithLeeway(r.leeway), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.audience != "" {
		opts = append(opts, jwt.WithAudience(r.audience))
	}

	claims := &supabaseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, svcerrors.InvalidToken(err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, svcerrors.InvalidToken(errors.New("token has no subject"))
	}

	return &Identity{
		UserID:      claims.Subject,
		DisplayName: displayNameFrom(gjson.ParseBytes(claims.UserMetadata), claims.Email, claims.Subject),
	}, nil
}
