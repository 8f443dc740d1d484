// Package supabase implements the record store on Supabase PostgREST.
//
// Tables mirror the PostgreSQL migrations: artifacts, artifact_secrets,
// comments, accounts and ledger_entries. Ledger writes go through the
// apply_ledger_entry function so the balance check, the balance update and
// the entry insert commit together.
package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/store"
	"github.com/bitloss-labs/bitloss/supabase/client"
)

const (
	tableArtifacts = "artifacts"
	tableSecrets   = "artifact_secrets"
	tableComments  = "comments"
	tableAccounts  = "accounts"
	tableEntries   = "ledger_entries"

	rpcApplyLedgerEntry = "apply_ledger_entry"
)

// Store is a store.Store over a Supabase project.
type Store struct {
	client *client.Client
}

var _ store.Store = (*Store)(nil)

// New creates a store. The client carries the retry policy.
func New(c *client.Client) *Store {
	return &Store{client: c}
}

func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case client.IsNotFound(err):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case client.IsConflict(err):
		return fmt.Errorf("%s: %w", what, store.ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// Ping checks that PostgREST answers.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.From(tableAccounts).Select("id").Limit(1).Execute(ctx)
	return mapErr(err, "ping")
}

// Close is a no-op; the HTTP client holds no exclusive resources.
func (s *Store) Close() error {
	return nil
}

// =============================================================================
// Artifacts
// =============================================================================

func (s *Store) GetArtifact(ctx context.Context, id string) (*artifact.Artifact, error) {
	resp, err := s.client.From(tableArtifacts).Select("*").Eq("id", id).Single().Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "artifact "+id)
	}
	var a artifact.Artifact
	if err := resp.JSON(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}

func (s *Store) ListArtifacts(ctx context.Context, filter artifact.Filter) ([]*artifact.Artifact, error) {
	q := s.client.From(tableArtifacts).Select("*")
	if filter.Status != "" {
		q = q.Eq("status", filter.Status)
	}
	if filter.NotStatus != "" {
		q = q.Neq("status", filter.NotStatus)
	}
	switch filter.Order {
	case artifact.OrderGenerationsDesc:
		q = q.Order("generations", false).Order("id", true)
	default:
		q = q.Order("created_at", false).Order("id", false)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "list artifacts")
	}
	var out []*artifact.Artifact
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return out, nil
}

func (s *Store) CreateArtifact(ctx context.Context, a *artifact.Artifact) error {
	_, err := s.client.From(tableArtifacts).ExecuteInsert(ctx, a)
	return mapErr(err, "create artifact "+a.ID)
}

func (s *Store) UpdateArtifactIf(ctx context.Context, id string, from artifact.Status, patch artifact.Patch) (bool, error) {
	resp, err := s.client.From(tableArtifacts).
		Eq("id", id).
		Eq("status", from).
		ExecuteUpdate(ctx, patch)
	if err != nil {
		return false, mapErr(err, "update artifact "+id)
	}

	var rows []map[string]any
	if err := resp.JSON(&rows); err != nil {
		return false, fmt.Errorf("decode update result: %w", err)
	}
	if len(rows) > 0 {
		return true, nil
	}
	if _, err := s.GetArtifact(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	_, err := s.client.From(tableArtifacts).Eq("id", id).ExecuteDelete(ctx)
	return mapErr(err, "delete artifact "+id)
}

// =============================================================================
// Secrets
// =============================================================================

func (s *Store) GetSecret(ctx context.Context, artifactID string) (*artifact.Secret, error) {
	resp, err := s.client.From(tableSecrets).Select("*").Eq("artifact_id", artifactID).Single().Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "secret "+artifactID)
	}
	var sec artifact.Secret
	if err := resp.JSON(&sec); err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return &sec, nil
}

func (s *Store) CreateSecret(ctx context.Context, sec *artifact.Secret) error {
	_, err := s.client.From(tableSecrets).ExecuteInsert(ctx, sec)
	return mapErr(err, "create secret "+sec.ArtifactID)
}

func (s *Store) DeleteSecret(ctx context.Context, artifactID string) error {
	_, err := s.client.From(tableSecrets).Eq("artifact_id", artifactID).ExecuteDelete(ctx)
	return mapErr(err, "delete secret "+artifactID)
}

// =============================================================================
// Comments
// =============================================================================

func (s *Store) ListComments(ctx context.Context, artifactID string) ([]*artifact.Comment, error) {
	resp, err := s.client.From(tableComments).
		Select("*").
		Eq("artifact_id", artifactID).
		Order("created_at", true).
		Order("id", true).
		Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "list comments")
	}
	var out []*artifact.Comment
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return out, nil
}

func (s *Store) GetComment(ctx context.Context, id string) (*artifact.Comment, error) {
	resp, err := s.client.From(tableComments).Select("*").Eq("id", id).Single().Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "comment "+id)
	}
	var c artifact.Comment
	if err := resp.JSON(&c); err != nil {
		return nil, fmt.Errorf("decode comment: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateComment(ctx context.Context, c *artifact.Comment) error {
	_, err := s.client.From(tableComments).ExecuteInsert(ctx, c)
	return mapErr(err, "create comment "+c.ID)
}

func (s *Store) DeleteComments(ctx context.Context, artifactID string) error {
	_, err := s.client.From(tableComments).Eq("artifact_id", artifactID).ExecuteDelete(ctx)
	return mapErr(err, "delete comments "+artifactID)
}

// =============================================================================
// Accounts and ledger
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	resp, err := s.client.From(tableAccounts).Select("*").Eq("id", id).Single().Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "account "+id)
	}
	var a account.Account
	if err := resp.JSON(&a); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	_, err := s.client.From(tableAccounts).ExecuteInsert(ctx, a)
	return mapErr(err, "create account "+a.ID)
}

type applyEntryParams struct {
	EntryID         string `json:"p_entry_id"`
	UserID          string `json:"p_user_id"`
	Kind            string `json:"p_kind"`
	Amount          int64  `json:"p_amount"`
	ArtifactID      string `json:"p_artifact_id"`
	IdempotencyKey  string `json:"p_idempotency_key"`
	ExpectedCredits int64  `json:"p_expected_credits"`
	ExpectedKills   int    `json:"p_expected_kills"`
	NextCredits     int64  `json:"p_next_credits"`
	NextKills       int    `json:"p_next_kills"`
	CreatedAt       string `json:"p_created_at"`
}

// ApplyEntry calls apply_ledger_entry, which answers one of "ok",
// "conflict", "duplicate" or "not_found".
func (s *Store) ApplyEntry(ctx context.Context, entry *account.Entry, expected, next account.Totals) error {
	resp, err := s.client.RPC(ctx, rpcApplyLedgerEntry, applyEntryParams{
		EntryID:         entry.ID,
		UserID:          entry.UserID,
		Kind:            string(entry.Kind),
		Amount:          entry.Amount,
		ArtifactID:      entry.ArtifactID,
		IdempotencyKey:  entry.IdempotencyKey,
		ExpectedCredits: expected.Credits,
		ExpectedKills:   expected.Kills,
		NextCredits:     next.Credits,
		NextKills:       next.Kills,
		CreatedAt:       entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return mapErr(err, "apply ledger entry")
	}

	var outcome string
	if err := resp.JSON(&outcome); err != nil {
		return fmt.Errorf("decode ledger outcome: %w", err)
	}
	switch outcome {
	case "ok":
		return nil
	case "conflict":
		return store.ErrConflict
	case "duplicate":
		return fmt.Errorf("ledger key %s: %w", entry.IdempotencyKey, store.ErrDuplicate)
	case "not_found":
		return fmt.Errorf("account %s: %w", entry.UserID, store.ErrNotFound)
	default:
		return fmt.Errorf("unexpected ledger outcome %q", outcome)
	}
}

func (s *Store) HasEntry(ctx context.Context, idempotencyKey string) (bool, error) {
	resp, err := s.client.From(tableEntries).
		Select("id").
		Eq("idempotency_key", idempotencyKey).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return false, mapErr(err, "ledger lookup")
	}
	var rows []map[string]any
	if err := resp.JSON(&rows); err != nil {
		return false, fmt.Errorf("decode ledger lookup: %w", err)
	}
	return len(rows) > 0, nil
}

func (s *Store) TopAccounts(ctx context.Context, limit int) ([]*account.Account, error) {
	q := s.client.From(tableAccounts).Select("*").Order("credits", false).Order("id", true)
	if limit > 0 {
		q = q.Limit(limit)
	}
	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, mapErr(err, "top accounts")
	}
	var out []*account.Account
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return out, nil
}
