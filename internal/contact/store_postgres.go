package contact

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore reads the contacts table owned by the CRM side of the product.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, ownerID, id string) (Contact, error) {
	const q = `
SELECT id, owner_id, name, COALESCE(email, ''), COALESCE(phone, '')
FROM contacts
WHERE owner_id = $1 AND id = $2
`
	var c Contact
	err := s.db.QueryRowContext(ctx, q, ownerID, id).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Email, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) Put(ctx context.Context, c Contact) error {
	const q = `
INSERT INTO contacts (id, owner_id, name, email, phone, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id)
DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone, updated_at = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q, c.ID, c.OwnerID, c.Name, c.Email, c.Phone, time.Now().UTC())
	return err
}
