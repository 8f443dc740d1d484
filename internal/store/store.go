// Package store defines the persistence contract shared by the Supabase,
// PostgreSQL and in-memory backends.
package store

import (
	"context"
	"errors"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/retry"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key (record id or ledger
	// idempotency key) already exists.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when a compare-and-set precondition no longer
	// holds.
	ErrConflict = errors.New("conditional update conflict")
)

// Retryable reports whether err could succeed on another attempt. The store
// sentinels describe the data, not the connection, and never do. Neither does
// a failure a backend already retried.
func Retryable(err error) bool {
	return !errors.Is(err, retry.ErrExhausted) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrDuplicate) &&
		!errors.Is(err, ErrConflict)
}

// ArtifactStore persists artifacts, secrets and comments.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, id string) (*artifact.Artifact, error)
	ListArtifacts(ctx context.Context, filter artifact.Filter) ([]*artifact.Artifact, error)
	CreateArtifact(ctx context.Context, a *artifact.Artifact) error
	// UpdateArtifactIf applies patch only while the artifact has status
	// from. It returns false, with no error, when the status no longer
	// matches; a missing artifact is ErrNotFound.
	UpdateArtifactIf(ctx context.Context, id string, from artifact.Status, patch artifact.Patch) (bool, error)
	// DeleteArtifact removes an artifact with its secret and comments. It is
	// only used to roll back a failed upload and is a no-op when missing.
	DeleteArtifact(ctx context.Context, id string) error

	GetSecret(ctx context.Context, artifactID string) (*artifact.Secret, error)
	CreateSecret(ctx context.Context, s *artifact.Secret) error
	// DeleteSecret is a no-op when the secret is already gone.
	DeleteSecret(ctx context.Context, artifactID string) error

	ListComments(ctx context.Context, artifactID string) ([]*artifact.Comment, error)
	GetComment(ctx context.Context, id string) (*artifact.Comment, error)
	CreateComment(ctx context.Context, c *artifact.Comment) error
	DeleteComments(ctx context.Context, artifactID string) error
}

// AccountStore persists balances and the ledger.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*account.Account, error)
	// CreateAccount returns ErrDuplicate when the account exists.
	CreateAccount(ctx context.Context, a *account.Account) error
	// ApplyEntry atomically records entry and moves the account from
	// expected to next. It returns ErrConflict if the stored totals differ
	// from expected, and ErrDuplicate if entry.IdempotencyKey was used
	// before. Nothing is written in either case.
	ApplyEntry(ctx context.Context, entry *account.Entry, expected, next account.Totals) error
	HasEntry(ctx context.Context, idempotencyKey string) (bool, error)
	TopAccounts(ctx context.Context, limit int) ([]*account.Account, error)
}

// Store is the full persistence surface.
type Store interface {
	ArtifactStore
	AccountStore
	Ping(ctx context.Context) error
	Close() error
}
