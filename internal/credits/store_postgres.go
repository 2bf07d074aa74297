package credits

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach-platform/pkg/utils"
)

// PostgresStore persists credit state in typed tables:
//   - credit_states (owner_id PK, balance, auto_top_up, updated_at)
//   - credit_spend_ledger (PK (owner_id, entry_id), amount, at)
//
// Keyed debits serialize on a transaction-scoped advisory lock derived from
// "owner:key", then re-read state under FOR UPDATE. Attempts with different
// keys for the same owner still serialize on the row lock.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) GetState(ctx context.Context, ownerID string) (State, error) {
	const q = `
SELECT owner_id, balance, auto_top_up, updated_at
FROM credit_states
WHERE owner_id = $1
`
	var st State
	err := s.db.QueryRowContext(ctx, q, ownerID).Scan(&st.OwnerID, &st.Balance, &st.AutoTopUp, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{OwnerID: ownerID}, nil
	}
	if err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *PostgresStore) SetAutoTopUp(ctx context.Context, ownerID string, enabled bool) (State, error) {
	const q = `
INSERT INTO credit_states (owner_id, balance, auto_top_up, updated_at)
VALUES ($1, 0, $2, $3)
ON CONFLICT (owner_id)
DO UPDATE SET auto_top_up = EXCLUDED.auto_top_up, updated_at = EXCLUDED.updated_at
RETURNING owner_id, balance, auto_top_up, updated_at
`
	var st State
	err := s.db.QueryRowContext(ctx, q, ownerID, enabled, s.clock().UTC()).
		Scan(&st.OwnerID, &st.Balance, &st.AutoTopUp, &st.UpdatedAt)
	return st, err
}

func (s *PostgresStore) AddBalance(ctx context.Context, ownerID string, amount int64) (State, error) {
	const q = `
INSERT INTO credit_states (owner_id, balance, auto_top_up, updated_at)
VALUES ($1, $2, false, $3)
ON CONFLICT (owner_id)
DO UPDATE SET balance = credit_states.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
RETURNING owner_id, balance, auto_top_up, updated_at
`
	var st State
	err := s.db.QueryRowContext(ctx, q, ownerID, amount, s.clock().UTC()).
		Scan(&st.OwnerID, &st.Balance, &st.AutoTopUp, &st.UpdatedAt)
	return st, err
}

func (s *PostgresStore) FindEntry(ctx context.Context, ownerID, key string) (SpendEntry, bool, error) {
	return findEntry(ctx, s.db, ownerID, key)
}

func (s *PostgresStore) RecentEntries(ctx context.Context, ownerID string, limit int) ([]SpendEntry, error) {
	if limit <= 0 || limit > MaxLedgerEntries {
		limit = MaxLedgerEntries
	}
	const q = `
SELECT entry_id, owner_id, amount, at
FROM credit_spend_ledger
WHERE owner_id = $1
ORDER BY at DESC, entry_id DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpendEntry
	for rows.Next() {
		var e SpendEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Amount, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Debit(ctx context.Context, ownerID string, amount int64) (bool, State, error) {
	var ok bool
	var st State
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := stateForUpdate(ctx, tx, ownerID, s.clock().UTC())
		if err != nil {
			return err
		}
		if cur.Balance < amount {
			ok = false
			st = cur
			return nil
		}
		st, err = applyDebit(ctx, tx, ownerID, amount, s.clock().UTC())
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, st, err
}

func (s *PostgresStore) DebitKeyed(ctx context.Context, ownerID string, amount int64, key string, at time.Time) (DebitResult, error) {
	var res DebitResult
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.AcquireXactLock(ctx, tx, utils.AdvisoryLockToken(ownerID, key)); err != nil {
			return err
		}

		// Re-check the key inside the lock: a concurrent attempt with the
		// same key may have committed between the caller's pre-check and now.
		if existing, found, err := findEntry(ctx, tx, ownerID, key); err != nil {
			return err
		} else if found {
			cur, err := stateForUpdate(ctx, tx, ownerID, at)
			if err != nil {
				return err
			}
			res = DebitResult{OK: true, AlreadyConsumed: true, ChargedAmount: existing.Amount, State: cur}
			return nil
		}

		cur, err := stateForUpdate(ctx, tx, ownerID, at)
		if err != nil {
			return err
		}
		if cur.Balance < amount {
			res = DebitResult{OK: false, State: cur}
			return nil
		}

		st, err := applyDebit(ctx, tx, ownerID, amount, at)
		if err != nil {
			return err
		}
		if err := appendEntry(ctx, tx, SpendEntry{ID: key, OwnerID: ownerID, Amount: amount, At: at}); err != nil {
			return err
		}
		res = DebitResult{OK: true, ChargedAmount: amount, State: st}
		return nil
	})
	return res, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findEntry(ctx context.Context, q queryer, ownerID, key string) (SpendEntry, bool, error) {
	const sqlq = `
SELECT entry_id, owner_id, amount, at
FROM credit_spend_ledger
WHERE owner_id = $1 AND entry_id = $2
`
	var e SpendEntry
	err := q.QueryRowContext(ctx, sqlq, ownerID, key).Scan(&e.ID, &e.OwnerID, &e.Amount, &e.At)
	if errors.Is(err, sql.ErrNoRows) {
		return SpendEntry{}, false, nil
	}
	if err != nil {
		return SpendEntry{}, false, err
	}
	return e, true, nil
}

// stateForUpdate upserts the owner row and locks it for the transaction.
func stateForUpdate(ctx context.Context, tx *sql.Tx, ownerID string, now time.Time) (State, error) {
	const ins = `
INSERT INTO credit_states (owner_id, balance, auto_top_up, updated_at)
VALUES ($1, 0, false, $2)
ON CONFLICT (owner_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ins, ownerID, now); err != nil {
		return State{}, err
	}

	const sel = `
SELECT owner_id, balance, auto_top_up, updated_at
FROM credit_states
WHERE owner_id = $1
FOR UPDATE
`
	var st State
	err := tx.QueryRowContext(ctx, sel, ownerID).Scan(&st.OwnerID, &st.Balance, &st.AutoTopUp, &st.UpdatedAt)
	return st, err
}

func applyDebit(ctx context.Context, tx *sql.Tx, ownerID string, amount int64, now time.Time) (State, error) {
	const q = `
UPDATE credit_states
SET balance = balance - $2, updated_at = $3
WHERE owner_id = $1
RETURNING owner_id, balance, auto_top_up, updated_at
`
	var st State
	err := tx.QueryRowContext(ctx, q, ownerID, amount, now).
		Scan(&st.OwnerID, &st.Balance, &st.AutoTopUp, &st.UpdatedAt)
	return st, err
}

func appendEntry(ctx context.Context, tx *sql.Tx, e SpendEntry) error {
	const ins = `
INSERT INTO credit_spend_ledger (owner_id, entry_id, amount, at)
VALUES ($1, $2, $3, $4)
`
	if _, err := tx.ExecContext(ctx, ins, e.OwnerID, e.ID, e.Amount, e.At); err != nil {
		return err
	}

	// Trim to the retained window, oldest evicted first.
	const trim = `
DELETE FROM credit_spend_ledger
WHERE owner_id = $1
  AND entry_id NOT IN (
    SELECT entry_id FROM credit_spend_ledger
    WHERE owner_id = $1
    ORDER BY at DESC, entry_id DESC
    LIMIT $2
  )
`
	_, err := tx.ExecContext(ctx, trim, e.OwnerID, MaxLedgerEntries)
	return err
}
