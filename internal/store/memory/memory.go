// Package memory is an in-process store used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/store"
)

// Store keeps every record in maps guarded by one mutex. Records are copied
// in and out so callers never share memory with the store.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]artifact.Artifact
	secrets   map[string]artifact.Secret
	comments  map[string]artifact.Comment
	accounts  map[string]account.Account
	entries   []account.Entry
	keys      map[string]struct{}
	closed    bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		artifacts: make(map[string]artifact.Artifact),
		secrets:   make(map[string]artifact.Secret),
		comments:  make(map[string]artifact.Comment),
		accounts:  make(map[string]account.Account),
		keys:      make(map[string]struct{}),
	}
}

func (s *Store) ready() error {
	if s.closed {
		return fmt.Errorf("store not ready")
	}
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready()
}

// Close marks the store closed. Later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// =============================================================================
// Artifacts
// =============================================================================

func cloneArtifact(a artifact.Artifact) *artifact.Artifact {
	if a.KillerID != nil {
		k := *a.KillerID
		a.KillerID = &k
	}
	if a.LastViewedAt != nil {
		t := *a.LastViewedAt
		a.LastViewedAt = &t
	}
	return &a
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	return cloneArtifact(a), nil
}

func (s *Store) ListArtifacts(ctx context.Context, filter artifact.Filter) ([]*artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	out := make([]*artifact.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.NotStatus != "" && a.Status == filter.NotStatus {
			continue
		}
		out = append(out, cloneArtifact(a))
	}

	switch filter.Order {
	case artifact.OrderGenerationsDesc:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Generations != out[j].Generations {
				return out[i].Generations > out[j].Generations
			}
			return out[i].ID < out[j].ID
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CreateArtifact(ctx context.Context, a *artifact.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	if _, exists := s.artifacts[a.ID]; exists {
		return fmt.Errorf("artifact %s: %w", a.ID, store.ErrDuplicate)
	}
	s.artifacts[a.ID] = *cloneArtifact(*a)
	return nil
}

func (s *Store) UpdateArtifactIf(ctx context.Context, id string, from artifact.Status, patch artifact.Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return false, err
	}

	a, ok := s.artifacts[id]
	if !ok {
		return false, fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	if a.Status != from {
		return false, nil
	}
	patch.Apply(&a)
	s.artifacts[id] = a
	return true, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	delete(s.artifacts, id)
	delete(s.secrets, id)
	for cid, c := range s.comments {
		if c.ArtifactID == id {
			delete(s.comments, cid)
		}
	}
	return nil
}

// =============================================================================
// Secrets
// =============================================================================

func (s *Store) GetSecret(ctx context.Context, artifactID string) (*artifact.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	sec, ok := s.secrets[artifactID]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", artifactID, store.ErrNotFound)
	}
	return &sec, nil
}

func (s *Store) CreateSecret(ctx context.Context, sec *artifact.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	if _, exists := s.secrets[sec.ArtifactID]; exists {
		return fmt.Errorf("secret %s: %w", sec.ArtifactID, store.ErrDuplicate)
	}
	s.secrets[sec.ArtifactID] = *sec
	return nil
}

func (s *Store) DeleteSecret(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	delete(s.secrets, artifactID)
	return nil
}

// =============================================================================
// Comments
// =============================================================================

func cloneComment(c artifact.Comment) *artifact.Comment {
	if c.ParentID != nil {
		p := *c.ParentID
		c.ParentID = &p
	}
	return &c
}

func (s *Store) ListComments(ctx context.Context, artifactID string) ([]*artifact.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	var out []*artifact.Comment
	for _, c := range s.comments {
		if c.ArtifactID == artifactID {
			out = append(out, cloneComment(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetComment(ctx context.Context, id string) (*artifact.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	c, ok := s.comments[id]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", id, store.ErrNotFound)
	}
	return cloneComment(c), nil
}

func (s *Store) CreateComment(ctx context.Context, c *artifact.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	if _, exists := s.comments[c.ID]; exists {
		return fmt.Errorf("comment %s: %w", c.ID, store.ErrDuplicate)
	}
	s.comments[c.ID] = *cloneComment(*c)
	return nil
}

func (s *Store) DeleteComments(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	for id, c := range s.comments {
		if c.ArtifactID == artifactID {
			delete(s.comments, id)
		}
	}
	return nil
}

// =============================================================================
// Accounts and ledger
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, store.ErrDuplicate)
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *Store) ApplyEntry(ctx context.Context, entry *account.Entry, expected, next account.Totals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	acct, ok := s.accounts[entry.UserID]
	if !ok {
		return fmt.Errorf("account %s: %w", entry.UserID, store.ErrNotFound)
	}
	if entry.IdempotencyKey != "" {
		if _, used := s.keys[entry.IdempotencyKey]; used {
			return fmt.Errorf("ledger key %s: %w", entry.IdempotencyKey, store.ErrDuplicate)
		}
	}
	if acct.Totals() != expected {
		return store.ErrConflict
	}

	acct.Credits = next.Credits
	acct.Kills = next.Kills
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.ID] = acct

	if entry.IdempotencyKey != "" {
		s.keys[entry.IdempotencyKey] = struct{}{}
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) HasEntry(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	_, ok := s.keys[idempotencyKey]
	return ok, nil
}

func (s *Store) TopAccounts(ctx context.Context, limit int) ([]*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	out := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits != out[j].Credits {
			return out[i].Credits > out[j].Credits
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a copy of the ledger, oldest first.
func (s *Store) Entries(userID string) []account.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []account.Entry
	for _, e := range s.entries {
		if userID == "" || e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
