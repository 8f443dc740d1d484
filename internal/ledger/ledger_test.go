package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/retry"
	"github.com/bitloss-labs/bitloss/internal/store"
	"github.com/bitloss-labs/bitloss/internal/store/memory"
)

func newManager(db store.AccountStore) *Manager {
	return NewManager(db, WithRetryPolicy(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}))
}

func TestApplyCredit_RejectsOverdraft(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()

	_, _, err := m.ApplyCredit(ctx, "u1", 7, Credit{Kind: account.EntryWitness})
	require.NoError(t, err)

	_, err = m.Debit(ctx, "u1", 10, Credit{Kind: account.EntryInteraction})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	var funds *InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.Equal(t, int64(7), funds.Available)
	assert.Equal(t, int64(10), funds.Requested)

	acct, err := m.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.Credits, "failed debit must not mutate")
	assert.Len(t, db.Entries("u1"), 1)
}

func TestApplyCredit_ConcurrentCreditsAllLand(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()
	_, err := m.EnsureAccount(ctx, "u1", "Glitch")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.ApplyCredit(ctx, "u1", 1, Credit{Kind: account.EntryWitness})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := m.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Credits)
	assert.Equal(t, "Glitch", acct.DisplayName)
}

func TestApplyCredit_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()
	_, _, err := m.ApplyCredit(ctx, "u1", 50, Credit{Kind: account.EntryWitness})
	require.NoError(t, err)

	var ok, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Debit(ctx, "u1", 10, Credit{Kind: account.EntryInteraction})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientFunds):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := m.Account(ctx, "u1")
	assert.Equal(t, int32(5), ok)
	assert.Equal(t, int32(15), rejected)
	assert.Equal(t, int64(0), acct.Credits)
}

func TestRecordKill_AtMostOncePerArtifact(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := m.RecordKill(ctx, "killer", "art-1", 100)
			assert.NoError(t, err)
			if applied {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	acct, err := m.Account(ctx, "killer")
	require.NoError(t, err)
	assert.Equal(t, int32(1), granted)
	assert.Equal(t, 1, acct.Kills)
	assert.Equal(t, int64(100), acct.Credits)

	applied, err := m.RecordKill(ctx, "killer", "art-2", 100)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestGrantOwnerBonus_Idempotent(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()

	first, err := m.GrantOwnerBonus(ctx, "owner", "art-1", 100)
	require.NoError(t, err)
	second, err := m.GrantOwnerBonus(ctx, "owner", "art-1", 100)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	acct, _ := m.Account(ctx, "owner")
	assert.Equal(t, int64(100), acct.Credits)
	assert.Equal(t, 0, acct.Kills)
}

func TestApplyCredit_ZeroDeltaIsNoop(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()
	_, err := m.EnsureAccount(ctx, "u1", "")
	require.NoError(t, err)

	_, applied, err := m.ApplyCredit(ctx, "u1", 0, Credit{Kind: account.EntryWitness})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, db.Entries("u1"))
}

type flakyAccounts struct {
	store.AccountStore
	failures int32
}

func (f *flakyAccounts) ApplyEntry(ctx context.Context, e *account.Entry, expected, next account.Totals) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.AccountStore.ApplyEntry(ctx, e, expected, next)
}

func TestApplyCredit_RetriesTransientStoreErrors(t *testing.T) {
	db := &flakyAccounts{AccountStore: memory.New(), failures: 2}
	m := newManager(db)

	acct, applied, err := m.ApplyCredit(context.Background(), "u1", 3, Credit{Kind: account.EntryWitness})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(3), acct.Credits)
}

func TestApplyCredit_ExhaustedRetries(t *testing.T) {
	db := &flakyAccounts{AccountStore: memory.New(), failures: 100}
	m := newManager(db)

	_, _, err := m.ApplyCredit(context.Background(), "u1", 3, Credit{Kind: account.EntryWitness})
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestLeaderboard(t *testing.T) {
	db := memory.New()
	m := newManager(db)
	ctx := context.Background()
	for id, credits := range map[string]int64{"a": 10, "b": 300, "c": 50} {
		_, _, err := m.ApplyCredit(ctx, id, credits, Credit{Kind: account.EntryWitness})
		require.NoError(t, err)
	}

	top, err := m.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].ID)
	assert.Equal(t, "c", top[1].ID)
}

// lostAckAccounts commits the first ApplyEntry and then reports a transport
// failure, as if the response never arrived.
type lostAckAccounts struct {
	store.AccountStore
	dropped int32
}

func (l *lostAckAccounts) ApplyEntry(ctx context.Context, e *account.Entry, expected, next account.Totals) error {
	if err := l.AccountStore.ApplyEntry(ctx, e, expected, next); err != nil {
		return err
	}
	if atomic.CompareAndSwapInt32(&l.dropped, 0, 1) {
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestApplyCredit_LostAcknowledgementAppliesOnce(t *testing.T) {
	tests := []struct {
		name  string
		apply func(m *Manager) error
		want  int64
	}{
		{"credit", func(m *Manager) error {
			_, applied, err := m.ApplyCredit(context.Background(), "u1", 7, Credit{Kind: account.EntryWitness})
			if err == nil && !applied {
				return errors.New("credit reported as not applied")
			}
			return err
		}, 27},
		{"debit", func(m *Manager) error {
			_, err := m.Debit(context.Background(), "u1", 5, Credit{Kind: account.EntryInteraction})
			return err
		}, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			seed := newManager(mem)
			_, _, err := seed.ApplyCredit(context.Background(), "u1", 20, Credit{Kind: account.EntryWitness})
			require.NoError(t, err)

			m := newManager(&lostAckAccounts{AccountStore: mem})
			require.NoError(t, tt.apply(m))

			acct, err := m.Account(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, acct.Credits)
			assert.Len(t, mem.Entries("u1"), 2)
		})
	}
}

// exhaustedAccounts stands in for a backend that already retried internally.
type exhaustedAccounts struct {
	store.AccountStore
	calls int32
}

func (e *exhaustedAccounts) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	atomic.AddInt32(&e.calls, 1)
	return nil, fmt.Errorf("account %s: %w", id, fmt.Errorf("%w after 3 attempts: 503", retry.ErrExhausted))
}

func TestAccount_DoesNotRetryExhaustedBackend(t *testing.T) {
	db := &exhaustedAccounts{AccountStore: memory.New()}
	m := newManager(db)

	_, err := m.Account(context.Background(), "u1")
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&db.calls))
}
