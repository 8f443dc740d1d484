package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/retry"
	"github.com/bitloss-labs/bitloss/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}), mock
}

var artifactCols = []string{
	"id", "owner_id", "owner_name", "caption", "integrity", "generations", "witnesses", "status",
	"has_secret", "asset_key", "original_asset_key", "killer_id", "created_at", "last_viewed_at",
}

func TestGetArtifact(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .* FROM artifacts WHERE id = \\$1").
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(artifactCols).AddRow(
			"a1", "u1", "alice", "hello", 82.5, 3, 7, "active",
			true, "active/a1.png", "originals/a1.png", nil, created, nil))

	a, err := s.GetArtifact(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusActive, a.Status)
	assert.Equal(t, 82.5, a.Integrity)
	assert.Nil(t, a.KillerID)
	assert.Nil(t, a.LastViewedAt)
	assert.Equal(t, created, a.DecayReference())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetArtifactNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM artifacts").WillReturnError(sql.ErrNoRows)

	_, err := s.GetArtifact(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet(), "not-found must not be retried")
}

func TestListArtifactsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM artifacts WHERE status <> \\$1 ORDER BY generations DESC, id ASC LIMIT \\$2").
		WithArgs("archived", 5).
		WillReturnRows(sqlmock.NewRows(artifactCols))

	out, err := s.ListArtifacts(context.Background(), artifact.Filter{
		NotStatus: artifact.StatusArchived,
		Order:     artifact.OrderGenerationsDesc,
		Limit:     5,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateArtifactIf(t *testing.T) {
	integrity := 0.0
	destroyed := artifact.StatusDestroyed
	killer := "u2"
	patch := artifact.Patch{Integrity: &integrity, Status: &destroyed, KillerID: &killer}

	t.Run("applied", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE artifacts SET integrity = \\$3, status = \\$4, killer_id = \\$5 WHERE id = \\$1 AND status = \\$2").
			WithArgs("a1", "active", 0.0, "destroyed", "u2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.UpdateArtifactIf(context.Background(), "a1", artifact.StatusActive, patch)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE artifacts").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT .* FROM artifacts WHERE id = \\$1").
			WillReturnRows(sqlmock.NewRows(artifactCols).AddRow(
				"a1", "u1", "alice", "", 0.0, 0, 0, "destroyed",
				false, "active/a1.png", "originals/a1.png", "u3", time.Now(), nil))

		ok, err := s.UpdateArtifactIf(context.Background(), "a1", artifact.StatusActive, patch)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE artifacts").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT .* FROM artifacts").WillReturnError(sql.ErrNoRows)

		_, err := s.UpdateArtifactIf(context.Background(), "a1", artifact.StatusActive, patch)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestApplyEntry(t *testing.T) {
	entry := &account.Entry{
		ID:             "e1",
		UserID:         "u1",
		Kind:           account.EntryKillBonus,
		Amount:         100,
		ArtifactID:     "a1",
		IdempotencyKey: "kill:a1",
		CreatedAt:      time.Now().UTC(),
	}
	expected := account.Totals{Credits: 5, Kills: 0}
	next := account.Totals{Credits: 105, Kills: 1}

	t.Run("commits", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS .*ledger_entries").WithArgs("kill:a1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("UPDATE accounts SET credits").
			WithArgs("u1", int64(105), 1, sqlmock.AnyArg(), int64(5), 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.ApplyEntry(context.Background(), entry, expected, next))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate key", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS .*ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := s.ApplyEntry(context.Background(), entry, expected, next)
		assert.ErrorIs(t, err, store.ErrDuplicate)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale totals", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS .*ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS .*accounts").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := s.ApplyEntry(context.Background(), entry, expected, next)
		assert.ErrorIs(t, err, store.ErrConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent insert loses", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS .*ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value"})
		mock.ExpectRollback()

		err := s.ApplyEntry(context.Background(), entry, expected, next)
		assert.ErrorIs(t, err, store.ErrDuplicate)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConnectionErrorsAreRetried(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasEntry(context.Background(), "kill:a1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyntaxErrorsAreNotRetried(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").WillReturnError(&pq.Error{Code: "42601", Message: "syntax error"})

	_, err := s.HasEntry(context.Background(), "kill:a1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, retry.ErrExhausted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationFilesArePaired(t *testing.T) {
	names, err := MigrationFiles()
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups++
		case strings.HasSuffix(n, ".down.sql"):
			downs++
		}
	}
	assert.Positive(t, ups)
	assert.Equal(t, ups, downs)
}

// TestPostgresIntegration runs against a real database when
// TEST_POSTGRES_DSN is set.
func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, Options{}, retry.DefaultPolicy())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, MigrateUp(s.DB()))

	suffix := time.Now().Format("150405.000000")
	user := &account.Account{ID: "it-user-" + suffix, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateAccount(ctx, user))
	assert.ErrorIs(t, s.CreateAccount(ctx, user), store.ErrDuplicate)

	entry := &account.Entry{
		ID: "it-entry-" + suffix, UserID: user.ID, Kind: account.EntryKillBonus,
		Amount: 100, IdempotencyKey: "kill:it-" + suffix, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ApplyEntry(ctx, entry, account.Totals{}, account.Totals{Credits: 100, Kills: 1}))

	entry.ID += "-again"
	err = s.ApplyEntry(ctx, entry, account.Totals{Credits: 100, Kills: 1}, account.Totals{Credits: 200, Kills: 2})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.GetAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Credits)
	assert.Equal(t, 1, got.Kills)
}
