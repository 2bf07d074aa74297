package credits

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DebitResult is the outcome of a keyed debit attempt.
type DebitResult struct {
	// OK reports whether the charge is satisfied (fresh debit or replay).
	OK bool

	// AlreadyConsumed is true when the key was found in the ledger and the
	// balance was left untouched.
	AlreadyConsumed bool

	// ChargedAmount is the amount actually recorded for this key: the fresh
	// debit amount, or the previously recorded amount on replay. Zero when
	// the debit was rejected.
	ChargedAmount int64

	State State
}

// Store persists per-owner credit state and the capped spend ledger.
//
// Implementations must guarantee:
//   - DebitKeyed serializes concurrent calls for the same (owner, key) and
//     re-checks the ledger and balance inside that serialization scope.
//   - Debit and AddBalance are transactional read-modify-writes; concurrent
//     callers with different keys may race on the balance but never lose
//     updates or drive it negative.
type Store interface {
	// GetState returns the owner's state; a never-seen owner yields a zero
	// balance state rather than an error.
	GetState(ctx context.Context, ownerID string) (State, error)

	SetAutoTopUp(ctx context.Context, ownerID string, enabled bool) (State, error)

	// AddBalance atomically increments the balance (upserting the row).
	AddBalance(ctx context.Context, ownerID string, amount int64) (State, error)

	// FindEntry looks up a ledger entry by idempotency key.
	FindEntry(ctx context.Context, ownerID, key string) (SpendEntry, bool, error)

	// RecentEntries returns up to limit entries, newest first.
	RecentEntries(ctx context.Context, ownerID string, limit int) ([]SpendEntry, error)

	// Debit is the non-idempotent debit: reject (ok=false) when the balance
	// is insufficient, otherwise subtract exactly amount.
	Debit(ctx context.Context, ownerID string, amount int64) (bool, State, error)

	// DebitKeyed applies an idempotent debit under a per-(owner,key) lock:
	// replayed keys succeed without mutation, fresh keys debit and append a
	// SpendEntry (trimming the ledger to MaxLedgerEntries).
	DebitKeyed(ctx context.Context, ownerID string, amount int64, key string, at time.Time) (DebitResult, error)
}
