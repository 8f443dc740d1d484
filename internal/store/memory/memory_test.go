package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/store"
)

func seed(t *testing.T, s *Store, id string, status artifact.Status, created time.Time, generations int) {
	t.Helper()
	require.NoError(t, s.CreateArtifact(context.Background(), &artifact.Artifact{
		ID:          id,
		Status:      status,
		Integrity:   100,
		Generations: generations,
		CreatedAt:   created,
		AssetKey:    "active/" + id + ".jpg",
	}))
}

func TestListArtifacts_FilterOrderLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	seed(t, s, "a", artifact.StatusArchived, base, 1)
	seed(t, s, "b", artifact.StatusArchived, base.Add(time.Hour), 9)
	seed(t, s, "c", artifact.StatusActive, base.Add(2*time.Hour), 5)

	archived, err := s.ListArtifacts(ctx, artifact.Filter{Status: artifact.StatusArchived})
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, "b", archived[0].ID, "newest first")

	trending, err := s.ListArtifacts(ctx, artifact.Filter{
		NotStatus: artifact.StatusArchived,
		Order:     artifact.OrderGenerationsDesc,
	})
	require.NoError(t, err)
	require.Len(t, trending, 1)
	assert.Equal(t, "c", trending[0].ID)

	limited, err := s.ListArtifacts(ctx, artifact.Filter{Order: artifact.OrderGenerationsDesc, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, []string{"b", "c"}, []string{limited[0].ID, limited[1].ID})
}

func TestUpdateArtifactIf(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "a", artifact.StatusActive, time.Now(), 0)

	destroyed := artifact.StatusDestroyed
	killer := "u1"
	ok, err := s.UpdateArtifactIf(ctx, "a", artifact.StatusActive, artifact.Patch{Status: &destroyed, KillerID: &killer})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateArtifactIf(ctx, "a", artifact.StatusActive, artifact.Patch{Status: &destroyed})
	require.NoError(t, err)
	assert.False(t, ok, "second transition must lose")

	_, err = s.UpdateArtifactIf(ctx, "missing", artifact.StatusActive, artifact.Patch{})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	got, err := s.GetArtifact(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.KillerID)
	assert.Equal(t, "u1", *got.KillerID)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "a", artifact.StatusActive, time.Now(), 0)

	got, _ := s.GetArtifact(ctx, "a")
	got.Integrity = 1

	again, _ := s.GetArtifact(ctx, "a")
	assert.Equal(t, 100.0, again.Integrity)
}

func TestApplyEntry(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, &account.Account{ID: "u1"}))
	assert.ErrorIs(t, s.CreateAccount(ctx, &account.Account{ID: "u1"}), store.ErrDuplicate)

	entry := &account.Entry{ID: "e1", UserID: "u1", Amount: 100, IdempotencyKey: "kill:a"}
	require.NoError(t, s.ApplyEntry(ctx, entry, account.Totals{}, account.Totals{Credits: 100, Kills: 1}))

	err := s.ApplyEntry(ctx, &account.Entry{ID: "e2", UserID: "u1", IdempotencyKey: "kill:a"},
		account.Totals{Credits: 100, Kills: 1}, account.Totals{Credits: 200, Kills: 2})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = s.ApplyEntry(ctx, &account.Entry{ID: "e3", UserID: "u1"},
		account.Totals{Credits: 5}, account.Totals{Credits: 10})
	assert.ErrorIs(t, err, store.ErrConflict)

	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Credits)
	assert.Equal(t, 1, acct.Kills)
	assert.Len(t, s.Entries("u1"), 1)

	has, err := s.HasEntry(ctx, "kill:a")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSecretsAndComments(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateSecret(ctx, &artifact.Secret{ArtifactID: "a", Text: "hi"}))
	require.NoError(t, s.DeleteSecret(ctx, "a"))
	require.NoError(t, s.DeleteSecret(ctx, "a"), "deleting twice is fine")
	_, err := s.GetSecret(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now()
	require.NoError(t, s.CreateComment(ctx, &artifact.Comment{ID: "c2", ArtifactID: "a", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.CreateComment(ctx, &artifact.Comment{ID: "c1", ArtifactID: "a", CreatedAt: now}))
	require.NoError(t, s.CreateComment(ctx, &artifact.Comment{ID: "x", ArtifactID: "b", CreatedAt: now}))

	comments, err := s.ListComments(ctx, "a")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "c1", comments[0].ID)

	require.NoError(t, s.DeleteComments(ctx, "a"))
	comments, _ = s.ListComments(ctx, "a")
	assert.Empty(t, comments)
	other, _ := s.ListComments(ctx, "b")
	assert.Len(t, other, 1)
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
	_, err := s.GetArtifact(context.Background(), "a")
	assert.Error(t, err)
}
