// Package ledger moves credits between the game and user accounts.
//
// Every balance change is a compare-and-set against the totals that were
// read, recorded together with a ledger entry. Grants that must happen at
// most once per artifact carry an idempotency key; a second grant with the
// same key is a no-op.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/retry"
	"github.com/bitloss-labs/bitloss/internal/store"
)

// ErrInsufficientFunds is matched by every *InsufficientFundsError.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrContention is returned when the balance kept changing underneath us.
var ErrContention = errors.New("account update contention")

// InsufficientFundsError reports a debit larger than the balance.
type InsufficientFundsError struct {
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Credit describes why a balance changes.
type Credit struct {
	Kind       account.EntryKind
	ArtifactID string
	// IdempotencyKey makes the change at-most-once across calls. Without
	// one, the change is still applied at most once per call.
	IdempotencyKey string
	// Kill also increments the kill count.
	Kill bool
}

// Manager applies credits to accounts.
type Manager struct {
	db           store.AccountStore
	policy       retry.Policy
	maxConflicts int
	now          func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetryPolicy sets the policy used around store calls. Failures the
// store already retried are not attempted again.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a ledger manager.
func NewManager(db store.AccountStore, opts ...Option) *Manager {
	m := &Manager{
		db:           db,
		policy:       retry.DefaultPolicy(),
		maxConflicts: 128,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.policy.Retryable = store.Retryable
	return m
}

// Key helpers for the at-most-once grants.
func KillKey(artifactID string) string       { return "kill:" + artifactID }
func OwnerBonusKey(artifactID string) string { return "owner-bonus:" + artifactID }
func EntryKey(entryID string) string         { return "entry:" + entryID }

// =============================================================================
// Accounts
// =============================================================================

// EnsureAccount returns the account, creating an empty one on first sight.
func (m *Manager) EnsureAccount(ctx context.Context, userID, displayName string) (*account.Account, error) {
	acct, err := m.Account(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := m.now().UTC()
	acct = &account.Account{ID: userID, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	err = m.policy.Do(ctx, func(ctx context.Context) error {
		return m.db.CreateAccount(ctx, acct)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return m.Account(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}
	return acct, nil
}

// Account loads an account.
func (m *Manager) Account(ctx context.Context, userID string) (*account.Account, error) {
	return retry.Value(ctx, m.policy, func(ctx context.Context) (*account.Account, error) {
		return m.db.GetAccount(ctx, userID)
	})
}

// Leaderboard returns the accounts with the most credits.
func (m *Manager) Leaderboard(ctx context.Context, limit int) ([]*account.Account, error) {
	return retry.Value(ctx, m.policy, func(ctx context.Context) ([]*account.Account, error) {
		return m.db.TopAccounts(ctx, limit)
	})
}

// =============================================================================
// Balance changes
// =============================================================================

// ApplyCredit adds delta (which may be negative) to the user's balance. A
// change that would leave the balance negative fails with an
// *InsufficientFundsError and changes nothing. A change whose idempotency key
// was already used returns the current account and applied=false.
func (m *Manager) ApplyCredit(ctx context.Context, userID string, delta int64, c Credit) (acct *account.Account, applied bool, err error) {
	if delta == 0 && !c.Kill {
		acct, err = m.Account(ctx, userID)
		return acct, false, err
	}

	// The entry keeps one id and one key across conflicts, so an attempt
	// whose commit was acknowledged late comes back as a duplicate instead
	// of being applied again.
	entryID := uuid.New().String()
	key, owned := c.IdempotencyKey, false
	if key == "" {
		key, owned = EntryKey(entryID), true
	}

	for attempt := 0; attempt < m.maxConflicts; attempt++ {
		acct, err = m.EnsureAccount(ctx, userID, "")
		if err != nil {
			return nil, false, err
		}

		expected := acct.Totals()
		next := expected
		next.Credits += delta
		if c.Kill {
			next.Kills++
		}
		if next.Credits < 0 {
			return acct, false, &InsufficientFundsError{Available: expected.Credits, Requested: -delta}
		}

		entry := &account.Entry{
			ID:             entryID,
			UserID:         userID,
			Kind:           c.Kind,
			Amount:         delta,
			BalanceAfter:   next.Credits,
			ArtifactID:     c.ArtifactID,
			IdempotencyKey: key,
			CreatedAt:      m.now().UTC(),
		}
		err = m.policy.Do(ctx, func(ctx context.Context) error {
			return m.db.ApplyEntry(ctx, entry, expected, next)
		})
		switch {
		case err == nil:
			acct.Credits = next.Credits
			acct.Kills = next.Kills
			return acct, true, nil
		case errors.Is(err, store.ErrDuplicate):
			// A generated key can only have been used by this call.
			acct, err = m.Account(ctx, userID)
			return acct, owned && err == nil, err
		case errors.Is(err, store.ErrConflict):
			continue
		default:
			return nil, false, fmt.Errorf("apply credit to %s: %w", userID, err)
		}
	}
	return nil, false, fmt.Errorf("apply credit to %s: %w", userID, ErrContention)
}

// Debit removes amount from the balance or fails with insufficient funds.
func (m *Manager) Debit(ctx context.Context, userID string, amount int64, c Credit) (*account.Account, error) {
	acct, _, err := m.ApplyCredit(ctx, userID, -amount, c)
	return acct, err
}

// RecordKill grants the kill bonus and increments the killer's kill count.
// It is applied at most once per artifact; later calls return false.
func (m *Manager) RecordKill(ctx context.Context, killerID, artifactID string, bonus int64) (bool, error) {
	_, applied, err := m.ApplyCredit(ctx, killerID, bonus, Credit{
		Kind:           account.EntryKillBonus,
		ArtifactID:     artifactID,
		IdempotencyKey: KillKey(artifactID),
		Kill:           true,
	})
	return applied, err
}

// GrantOwnerBonus pays the author of a destroyed artifact, at most once.
func (m *Manager) GrantOwnerBonus(ctx context.Context, ownerID, artifactID string, bonus int64) (bool, error) {
	_, applied, err := m.ApplyCredit(ctx, ownerID, bonus, Credit{
		Kind:           account.EntryOwnerBonus,
		ArtifactID:     artifactID,
		IdempotencyKey: OwnerBonusKey(artifactID),
	})
	return applied, err
}
