package campaign

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists campaigns and enrollments.
//
// Table assumptions:
//   - campaigns (id PK, owner_id, name, status, script, voice_agent_id,
//     audience_tag_ids text[], created_at, updated_at)
//   - enrollments (id PK, owner_id, campaign_id, contact_id, status,
//     attempt_count, next_call_at, call_sid, dial_started_at, last_error,
//     completed_at, updated_at, UNIQUE (campaign_id, contact_id))
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" || c.OwnerID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	const q = `
INSERT INTO campaigns (id, owner_id, name, status, script, voice_agent_id, audience_tag_ids, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.OwnerID, c.Name, c.Status, c.Script, c.VoiceAgentID, tagArray(c.AudienceTagIDs), c.CreatedAt, c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) GetCampaign(ctx context.Context, ownerID, id string) (Campaign, error) {
	const q = `
SELECT id, owner_id, name, status, script, voice_agent_id, audience_tag_ids, created_at, updated_at
FROM campaigns
WHERE owner_id = $1 AND id = $2
`
	return scanCampaign(s.db.QueryRowContext(ctx, q, ownerID, id))
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	const q = `
UPDATE campaigns
SET name = $3, status = $4, script = $5, voice_agent_id = $6, audience_tag_ids = $7, updated_at = $8
WHERE owner_id = $1 AND id = $2
RETURNING id, owner_id, name, status, script, voice_agent_id, audience_tag_ids, created_at, updated_at
`
	return scanCampaign(s.db.QueryRowContext(ctx, q,
		c.OwnerID, c.ID, c.Name, c.Status, c.Script, c.VoiceAgentID, tagArray(c.AudienceTagIDs), s.clock().UTC()))
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, ownerID string) ([]Campaign, error) {
	const q = `
SELECT id, owner_id, name, status, script, voice_agent_id, audience_tag_ids, created_at, updated_at
FROM campaigns
WHERE owner_id = $1
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Enroll(ctx context.Context, e Enrollment) (Enrollment, error) {
	if e.ID == "" || e.OwnerID == "" || e.CampaignID == "" || e.ContactID == "" {
		return Enrollment{}, ErrInvalidArgument
	}
	e.UpdatedAt = s.clock().UTC()
	const q = `
INSERT INTO enrollments (id, owner_id, campaign_id, contact_id, status, attempt_count, next_call_at,
                         call_sid, dial_started_at, last_error, completed_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.OwnerID, e.CampaignID, e.ContactID, e.Status, e.AttemptCount, e.NextCallAt,
		nullIfEmpty(e.CallSID), e.DialStartedAt, nullIfEmpty(e.LastError), e.CompletedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return Enrollment{}, ErrAlreadyEnrolled
	}
	return e, err
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, ownerID, id string) (Enrollment, error) {
	const q = enrollmentColumns + `
WHERE owner_id = $1 AND id = $2
`
	return scanEnrollment(s.db.QueryRowContext(ctx, q, ownerID, id))
}

func (s *PostgresStore) DueQueued(ctx context.Context, now time.Time, limit, maxAttempts int) ([]Enrollment, error) {
	const q = enrollmentColumns + `
WHERE status = 'QUEUED' AND attempt_count < $2 AND next_call_at IS NOT NULL AND next_call_at <= $1
ORDER BY next_call_at, id
LIMIT $3
`
	return s.queryEnrollments(ctx, q, now, maxAttempts, limit)
}

func (s *PostgresStore) ClaimQueued(ctx context.Context, id string, attemptCount int, retryAt time.Time) (bool, error) {
	const q = `
UPDATE enrollments
SET status = 'CALLING', next_call_at = $3, updated_at = $4
WHERE id = $1 AND status = 'QUEUED' AND attempt_count = $2
`
	res, err := s.db.ExecContext(ctx, q, id, attemptCount, retryAt, s.clock().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) DueCalling(ctx context.Context, now time.Time, limit int) ([]Enrollment, error) {
	const q = enrollmentColumns + `
WHERE status = 'CALLING' AND next_call_at IS NOT NULL AND next_call_at <= $1
ORDER BY next_call_at, id
LIMIT $2
`
	return s.queryEnrollments(ctx, q, now, limit)
}

func (s *PostgresStore) UpdateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	const q = `
UPDATE enrollments
SET status = $3, attempt_count = $4, next_call_at = $5, call_sid = $6,
    dial_started_at = $7, last_error = $8, completed_at = $9, updated_at = $10
WHERE owner_id = $1 AND id = $2
`
	e.UpdatedAt = s.clock().UTC()
	res, err := s.db.ExecContext(ctx, q,
		e.OwnerID, e.ID, e.Status, e.AttemptCount, e.NextCallAt, nullIfEmpty(e.CallSID),
		e.DialStartedAt, nullIfEmpty(e.LastError), e.CompletedAt, e.UpdatedAt)
	if err != nil {
		return Enrollment{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Enrollment{}, ErrNotFound
	}
	return e, nil
}

const enrollmentColumns = `
SELECT id, owner_id, campaign_id, contact_id, status, attempt_count, next_call_at,
       call_sid, dial_started_at, last_error, completed_at, updated_at
FROM enrollments
`

func (s *PostgresStore) queryEnrollments(ctx context.Context, q string, args ...any) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (Campaign, error) {
	var c Campaign
	var agentID, tags sql.NullString
	err := r.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Status, &c.Script, &agentID, &tags, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.VoiceAgentID = agentID.String
	c.AudienceTagIDs = parseTagArray(tags.String)
	return c, nil
}

func scanEnrollment(r rowScanner) (Enrollment, error) {
	var e Enrollment
	var callSID, lastError sql.NullString
	var nextCallAt, dialStartedAt, completedAt sql.NullTime
	err := r.Scan(&e.ID, &e.OwnerID, &e.CampaignID, &e.ContactID, &e.Status, &e.AttemptCount,
		&nextCallAt, &callSID, &dialStartedAt, &lastError, &completedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Enrollment{}, ErrNotFound
	}
	if err != nil {
		return Enrollment{}, err
	}
	e.CallSID = callSID.String
	e.LastError = lastError.String
	if nextCallAt.Valid {
		t := nextCallAt.Time
		e.NextCallAt = &t
	}
	if dialStartedAt.Valid {
		t := dialStartedAt.Time
		e.DialStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// tagArray serializes audience tag ids as a Postgres text[] literal. Every
// element is double-quoted with backslash escapes so ids containing quotes,
// backslashes or commas survive the round trip.
func tagArray(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, t := range tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		for j := 0; j < len(t); j++ {
			if t[j] == '"' || t[j] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(t[j])
		}
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func parseTagArray(raw string) []string {
	raw = trimBraces(raw)
	if raw == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
		}
		cur.Reset()
	}
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; {
		case c == '\\' && i+1 < len(raw):
			i++
			cur.WriteByte(raw[i])
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

func trimBraces(s string) string {
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return s[1 : len(s)-1]
	}
	return s
}
