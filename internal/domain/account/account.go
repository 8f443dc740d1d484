// Package account defines user balances and the ledger entries that move them.
package account

import "time"

// Account holds a user's credit balance and kill count.
type Account struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Credits     int64     `json:"credits" db:"credits"`
	Kills       int       `json:"kills" db:"kills"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Totals is the mutable part of an account, used for compare-and-set updates.
type Totals struct {
	Credits int64 `json:"credits" db:"credits"`
	Kills   int   `json:"kills" db:"kills"`
}

// Totals returns the account's current totals.
func (a *Account) Totals() Totals {
	return Totals{Credits: a.Credits, Kills: a.Kills}
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryWitness     EntryKind = "witness"
	EntryKillBonus   EntryKind = "kill_bonus"
	EntryOwnerBonus  EntryKind = "owner_bonus"
	EntryInteraction EntryKind = "interaction"
	EntryRefund      EntryKind = "refund"
)

// Entry records one change to an account balance.
type Entry struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Kind           EntryKind `json:"kind" db:"kind"`
	Amount         int64     `json:"amount" db:"amount"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	ArtifactID     string    `json:"artifact_id,omitempty" db:"artifact_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
