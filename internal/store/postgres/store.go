// Package postgres implements the record store directly on PostgreSQL with
// sqlx and lib/pq. The schema lives in migrations/ and is applied with
// golang-migrate.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/retry"
	"github.com/bitloss-labs/bitloss/internal/store"
)

const uniqueViolation = "23505"

const artifactColumns = `id, owner_id, owner_name, caption, integrity, generations, witnesses, status, ` +
	`has_secret, asset_key, original_asset_key, killer_id, created_at, last_viewed_at`

const commentColumns = `id, artifact_id, author_id, author_name, content, integrity_snapshot, parent_id, created_at`

const accountColumns = `id, display_name, credits, kills, created_at, updated_at`

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db     *sqlx.DB
	policy retry.Policy
}

var _ store.Store = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string, opts Options, policy retry.Policy) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := New(db, policy)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle.
func New(db *sqlx.DB, policy retry.Policy) *Store {
	policy.Retryable = retryable
	return &Store{db: db, policy: policy}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// retryable retries connection-level and serialization failures only.
func retryable(err error) bool {
	if !store.Retryable(err) || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		default:
			return false
		}
	}
	return true
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *Store) Ping(ctx context.Context) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Artifacts ---------------------------------------------------------------

func (s *Store) GetArtifact(ctx context.Context, id string) (*artifact.Artifact, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (*artifact.Artifact, error) {
		var a artifact.Artifact
		err := s.db.GetContext(ctx, &a, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return &a, nil
	})
}

func (s *Store) ListArtifacts(ctx context.Context, filter artifact.Filter) ([]*artifact.Artifact, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.NotStatus != "" {
		args = append(args, filter.NotStatus)
		where = append(where, fmt.Sprintf("status <> $%d", len(args)))
	}

	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	switch filter.Order {
	case artifact.OrderGenerationsDesc:
		query += ` ORDER BY generations DESC, id ASC`
	default:
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return retry.Value(ctx, s.policy, func(ctx context.Context) ([]*artifact.Artifact, error) {
		var out []*artifact.Artifact
		if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (s *Store) CreateArtifact(ctx context.Context, a *artifact.Artifact) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO artifacts (`+artifactColumns+`)
			VALUES (:id, :owner_id, :owner_name, :caption, :integrity, :generations, :witnesses, :status,
				:has_secret, :asset_key, :original_asset_key, :killer_id, :created_at, :last_viewed_at)
		`, a)
		if isUniqueViolation(err) {
			return fmt.Errorf("artifact %s: %w", a.ID, store.ErrDuplicate)
		}
		return err
	})
}

// patchAssignments renders the SET clause for p, numbering placeholders from
// start.
func patchAssignments(p artifact.Patch, start int) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, start+len(args)-1))
	}
	if p.Integrity != nil {
		add("integrity", *p.Integrity)
	}
	if p.Generations != nil {
		add("generations", *p.Generations)
	}
	if p.Witnesses != nil {
		add("witnesses", *p.Witnesses)
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.HasSecret != nil {
		add("has_secret", *p.HasSecret)
	}
	if p.AssetKey != nil {
		add("asset_key", *p.AssetKey)
	}
	if p.KillerID != nil {
		add("killer_id", *p.KillerID)
	}
	if p.LastViewedAt != nil {
		add("last_viewed_at", *p.LastViewedAt)
	}
	return sets, args
}

func (s *Store) UpdateArtifactIf(ctx context.Context, id string, from artifact.Status, patch artifact.Patch) (bool, error) {
	sets, args := patchAssignments(patch, 3)
	if len(sets) == 0 {
		a, err := s.GetArtifact(ctx, id)
		if err != nil {
			return false, err
		}
		return a.Status == from, nil
	}
	query := `UPDATE artifacts SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2`
	args = append([]any{id, from}, args...)

	n, err := retry.Value(ctx, s.policy, func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return false, fmt.Errorf("update artifact %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetArtifact(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		// Secrets and comments go with the row through ON DELETE CASCADE.
		_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = $1`, id)
		return err
	})
}

// --- Secrets -----------------------------------------------------------------

func (s *Store) GetSecret(ctx context.Context, artifactID string) (*artifact.Secret, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (*artifact.Secret, error) {
		var sec artifact.Secret
		err := s.db.GetContext(ctx, &sec, `SELECT artifact_id, secret_text FROM artifact_secrets WHERE artifact_id = $1`, artifactID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("secret %s: %w", artifactID, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return &sec, nil
	})
}

func (s *Store) CreateSecret(ctx context.Context, sec *artifact.Secret) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO artifact_secrets (artifact_id, secret_text) VALUES ($1, $2)`,
			sec.ArtifactID, sec.Text)
		if isUniqueViolation(err) {
			return fmt.Errorf("secret %s: %w", sec.ArtifactID, store.ErrDuplicate)
		}
		return err
	})
}

func (s *Store) DeleteSecret(ctx context.Context, artifactID string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM artifact_secrets WHERE artifact_id = $1`, artifactID)
		return err
	})
}

// --- Comments ----------------------------------------------------------------

func (s *Store) ListComments(ctx context.Context, artifactID string) ([]*artifact.Comment, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) ([]*artifact.Comment, error) {
		var out []*artifact.Comment
		err := s.db.SelectContext(ctx, &out,
			`SELECT `+commentColumns+` FROM comments WHERE artifact_id = $1 ORDER BY created_at ASC, id ASC`,
			artifactID)
		return out, err
	})
}

func (s *Store) GetComment(ctx context.Context, id string) (*artifact.Comment, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (*artifact.Comment, error) {
		var c artifact.Comment
		err := s.db.GetContext(ctx, &c, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("comment %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	})
}

func (s *Store) CreateComment(ctx context.Context, c *artifact.Comment) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO comments (`+commentColumns+`)
			VALUES (:id, :artifact_id, :author_id, :author_name, :content, :integrity_snapshot, :parent_id, :created_at)
		`, c)
		if isUniqueViolation(err) {
			return fmt.Errorf("comment %s: %w", c.ID, store.ErrDuplicate)
		}
		return err
	})
}

func (s *Store) DeleteComments(ctx context.Context, artifactID string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE artifact_id = $1`, artifactID)
		return err
	})
}

// --- Accounts and ledger -----------------------------------------------------

func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (*account.Account, error) {
		var a account.Account
		err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return &a, nil
	})
}

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO accounts (`+accountColumns+`)
			VALUES (:id, :display_name, :credits, :kills, :created_at, :updated_at)
		`, a)
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", a.ID, store.ErrDuplicate)
		}
		return err
	})
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ApplyEntry runs the compare-and-set and the entry insert in one
// transaction. The unique index on idempotency_key settles races between
// grants that both passed the existence check.
func (s *Store) ApplyEntry(ctx context.Context, entry *account.Entry, expected, next account.Totals) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.applyEntry(ctx, entry, expected, next)
	})
}

func (s *Store) applyEntry(ctx context.Context, entry *account.Entry, expected, next account.Totals) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if entry.IdempotencyKey != "" {
		var exists bool
		err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)`,
			entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("ledger key %s: %w", entry.IdempotencyKey, store.ErrDuplicate)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET credits = $2, kills = $3, updated_at = $4
		WHERE id = $1 AND credits = $5 AND kills = $6
	`, entry.UserID, next.Credits, next.Kills, entry.CreatedAt, expected.Credits, expected.Kills)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, entry.UserID); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("account %s: %w", entry.UserID, store.ErrNotFound)
		}
		return store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, balance_after, artifact_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.Kind, entry.Amount, next.Credits, entry.ArtifactID,
		nullIfEmpty(entry.IdempotencyKey), entry.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("ledger key %s: %w", entry.IdempotencyKey, store.ErrDuplicate)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) HasEntry(ctx context.Context, idempotencyKey string) (bool, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (bool, error) {
		var exists bool
		err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)`, idempotencyKey)
		return exists, err
	})
}

func (s *Store) TopAccounts(ctx context.Context, limit int) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY credits DESC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return retry.Value(ctx, s.policy, func(ctx context.Context) ([]*account.Account, error) {
		var out []*account.Account
		err := s.db.SelectContext(ctx, &out, query, args...)
		return out, err
	})
}
