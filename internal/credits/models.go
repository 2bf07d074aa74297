package credits

import "time"

// State is the per-owner credits account.
//
// Money invariants:
// - Balance never goes negative as the effect of a debit.
// - Every keyed debit leaves a SpendEntry; the entry id IS the idempotency key.
// - All money operations run inside a store transaction (or an equivalent
//   serialization primitive for non-SQL stores).
//
// Tenancy invariant:
// - owner_id is required and enforced in all queries.
type State struct {
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Balance   int64     `json:"balance" db:"balance"`
	AutoTopUp bool      `json:"auto_top_up" db:"auto_top_up"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SpendEntry is an append-only record of a keyed debit.
//
// The ledger retains at most MaxLedgerEntries recent entries per owner
// (oldest evicted first). Idempotency protection is therefore only guaranteed
// within the retained window; callers that need longer replay protection must
// not rely on very old keys.
type SpendEntry struct {
	// ID is the caller-supplied idempotency key, at most MaxKeyLength chars.
	ID      string    `json:"id" db:"entry_id"`
	OwnerID string    `json:"owner_id" db:"owner_id"`
	Amount  int64     `json:"amount" db:"amount"`
	At      time.Time `json:"at" db:"at"`
}

const (
	// MaxLedgerEntries bounds per-owner spend-ledger storage.
	MaxLedgerEntries = 500

	// MaxKeyLength bounds idempotency keys.
	MaxKeyLength = 160
)
