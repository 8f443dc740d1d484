package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/retry"
	"github.com/bitloss-labs/bitloss/internal/store"
	"github.com/bitloss-labs/bitloss/supabase/client"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := client.New(client.Config{
		URL:    server.URL,
		APIKey: "service-key",
		Retry:  retry.Policy{MaxAttempts: 2, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	return New(c)
}

func TestGetArtifactNotFound(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
		w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})

	_, err := s.GetArtifact(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateArtifactIf(t *testing.T) {
	status := artifact.StatusDestroyed
	patch := artifact.Patch{Status: &status}

	t.Run("applied", func(t *testing.T) {
		s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPatch, r.Method)
			assert.Equal(t, "eq.a1", r.URL.Query().Get("id"))
			assert.Equal(t, "eq.active", r.URL.Query().Get("status"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]any{"status": "destroyed"}, body)
			w.Write([]byte(`[{"id":"a1","status":"destroyed"}]`))
		})

		ok, err := s.UpdateArtifactIf(context.Background(), "a1", artifact.StatusActive, patch)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lost race", func(t *testing.T) {
		s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPatch {
				w.Write([]byte(`[]`))
				return
			}
			w.Write([]byte(`{"id":"a1","status":"destroyed"}`))
		})

		ok, err := s.UpdateArtifactIf(context.Background(), "a1", artifact.StatusActive, patch)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestApplyEntryOutcomes(t *testing.T) {
	tests := []struct {
		outcome string
		wantErr error
	}{
		{outcome: `"ok"`},
		{outcome: `"conflict"`, wantErr: store.ErrConflict},
		{outcome: `"duplicate"`, wantErr: store.ErrDuplicate},
		{outcome: `"not_found"`, wantErr: store.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			var params map[string]any
			s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rest/v1/rpc/apply_ledger_entry", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
				w.Write([]byte(tt.outcome))
			})

			entry := &account.Entry{
				ID: "e1", UserID: "u1", Kind: account.EntryKillBonus, Amount: 100,
				ArtifactID: "a1", IdempotencyKey: "kill:a1", CreatedAt: time.Now(),
			}
			err := s.ApplyEntry(context.Background(), entry,
				account.Totals{Credits: 5}, account.Totals{Credits: 105, Kills: 1})

			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, "kill:a1", params["p_idempotency_key"])
			assert.Equal(t, float64(105), params["p_next_credits"])
			assert.Equal(t, float64(1), params["p_next_kills"])
		})
	}
}

func TestHasEntry(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("idempotency_key") == "eq.kill:a1" {
			w.Write([]byte(`[{"id":"e1"}]`))
			return
		}
		w.Write([]byte(`[]`))
	})

	ok, err := s.HasEntry(context.Background(), "kill:a1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasEntry(context.Background(), "kill:a2")
	require.NoError(t, err)
	assert.False(t, ok)
}
