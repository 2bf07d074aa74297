package credits

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
// A single mutex serializes all owners, which is strictly stronger than the
// per-(owner,key) guarantee the interface requires.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*memoryOwner
	clock  func() time.Time
}

type memoryOwner struct {
	state State
	// entries are kept newest-last.
	entries []SpendEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]*memoryOwner{}, clock: time.Now}
}

func (m *MemoryStore) owner(ownerID string) *memoryOwner {
	o, ok := m.states[ownerID]
	if !ok {
		o = &memoryOwner{state: State{OwnerID: ownerID}}
		m.states[ownerID] = o
	}
	return o
}

func (m *MemoryStore) GetState(ctx context.Context, ownerID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.states[ownerID]; ok {
		return o.state, nil
	}
	return State{OwnerID: ownerID}, nil
}

func (m *MemoryStore) SetAutoTopUp(ctx context.Context, ownerID string, enabled bool) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.owner(ownerID)
	o.state.AutoTopUp = enabled
	o.state.UpdatedAt = m.clock().UTC()
	return o.state, nil
}

func (m *MemoryStore) AddBalance(ctx context.Context, ownerID string, amount int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.owner(ownerID)
	o.state.Balance += amount
	o.state.UpdatedAt = m.clock().UTC()
	return o.state, nil
}

func (m *MemoryStore) FindEntry(ctx context.Context, ownerID, key string) (SpendEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.states[ownerID]
	if !ok {
		return SpendEntry{}, false, nil
	}
	for i := len(o.entries) - 1; i >= 0; i-- {
		if o.entries[i].ID == key {
			return o.entries[i], true, nil
		}
	}
	return SpendEntry{}, false, nil
}

func (m *MemoryStore) RecentEntries(ctx context.Context, ownerID string, limit int) ([]SpendEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.states[ownerID]
	if !ok {
		return nil, nil
	}
	if limit <= 0 || limit > len(o.entries) {
		limit = len(o.entries)
	}
	out := make([]SpendEntry, 0, limit)
	for i := len(o.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.entries[i])
	}
	return out, nil
}

func (m *MemoryStore) Debit(ctx context.Context, ownerID string, amount int64) (bool, State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.owner(ownerID)
	if o.state.Balance < amount {
		return false, o.state, nil
	}
	o.state.Balance -= amount
	o.state.UpdatedAt = m.clock().UTC()
	return true, o.state, nil
}

func (m *MemoryStore) DebitKeyed(ctx context.Context, ownerID string, amount int64, key string, at time.Time) (DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.owner(ownerID)

	for i := len(o.entries) - 1; i >= 0; i-- {
		if o.entries[i].ID == key {
			return DebitResult{OK: true, AlreadyConsumed: true, ChargedAmount: o.entries[i].Amount, State: o.state}, nil
		}
	}

	if o.state.Balance < amount {
		return DebitResult{OK: false, State: o.state}, nil
	}

	o.state.Balance -= amount
	o.state.UpdatedAt = at
	o.entries = append(o.entries, SpendEntry{ID: key, OwnerID: ownerID, Amount: amount, At: at})
	if len(o.entries) > MaxLedgerEntries {
		o.entries = o.entries[len(o.entries)-MaxLedgerEntries:]
	}
	return DebitResult{OK: true, ChargedAmount: amount, State: o.state}, nil
}
