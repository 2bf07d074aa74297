package contact

import (
	"context"
	"errors"
	"sync"
)

// Contact is the slice of the CRM record the dialer needs: identity plus a
// callable phone number. CRM proper lives outside this service.
type Contact struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	Name    string `json:"name" db:"name"`
	Email   string `json:"email,omitempty" db:"email"`
	Phone   string `json:"phone,omitempty" db:"phone"`
}

var ErrNotFound = errors.New("not found")

type Store interface {
	Get(ctx context.Context, ownerID, id string) (Contact, error)
	Put(ctx context.Context, c Contact) error
}

// MemoryStore backs tests and early development.
type MemoryStore struct {
	mu       sync.Mutex
	contacts map[string]Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contacts: map[string]Contact{}}
}

func (m *MemoryStore) Get(ctx context.Context, ownerID, id string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok || c.OwnerID != ownerID {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) Put(ctx context.Context, c Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c
	return nil
}
