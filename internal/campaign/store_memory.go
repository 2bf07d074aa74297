package campaign

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
type MemoryStore struct {
	mu          sync.Mutex
	campaigns   map[string]Campaign
	enrollments map[string]Enrollment
	// pairs indexes (campaign_id, contact_id) for the uniqueness constraint.
	pairs map[[2]string]string
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:   map[string]Campaign{},
		enrollments: map[string]Enrollment{},
		pairs:       map[[2]string]string{},
		clock:       time.Now,
	}
}

func (m *MemoryStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" || c.OwnerID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.campaigns[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCampaign(ctx context.Context, ownerID, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) UpdateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[c.ID]
	if !ok || cur.OwnerID != c.OwnerID {
		return Campaign{}, ErrNotFound
	}
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = m.clock().UTC()
	m.campaigns[c.ID] = c
	return c, nil
}

func (m *MemoryStore) ListCampaigns(ctx context.Context, ownerID string) ([]Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Campaign
	for _, c := range m.campaigns {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Enroll(ctx context.Context, e Enrollment) (Enrollment, error) {
	if e.ID == "" || e.OwnerID == "" || e.CampaignID == "" || e.ContactID == "" {
		return Enrollment{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]string{e.CampaignID, e.ContactID}
	if _, exists := m.pairs[key]; exists {
		return Enrollment{}, ErrAlreadyEnrolled
	}

	e.UpdatedAt = m.clock().UTC()
	m.enrollments[e.ID] = e
	m.pairs[key] = e.ID
	return e, nil
}

func (m *MemoryStore) GetEnrollment(ctx context.Context, ownerID, id string) (Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.OwnerID != ownerID {
		return Enrollment{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) DueQueued(ctx context.Context, now time.Time, limit, maxAttempts int) ([]Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Enrollment
	for _, e := range m.enrollments {
		if e.Status != EnrollmentStatusQueued {
			continue
		}
		if e.AttemptCount >= maxAttempts {
			continue
		}
		if e.NextCallAt == nil || e.NextCallAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) ClaimQueued(ctx context.Context, id string, attemptCount int, retryAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != EnrollmentStatusQueued || e.AttemptCount != attemptCount {
		return false, nil
	}
	e.Status = EnrollmentStatusCalling
	e.NextCallAt = &retryAt
	e.UpdatedAt = m.clock().UTC()
	m.enrollments[id] = e
	return true, nil
}

func (m *MemoryStore) DueCalling(ctx context.Context, now time.Time, limit int) ([]Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Enrollment
	for _, e := range m.enrollments {
		if e.Status != EnrollmentStatusCalling {
			continue
		}
		if e.NextCallAt == nil || e.NextCallAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) UpdateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[e.ID]; !ok {
		return Enrollment{}, ErrNotFound
	}
	e.UpdatedAt = m.clock().UTC()
	m.enrollments[e.ID] = e
	return e, nil
}

// sortDue orders oldest next_call_at first; ties break on id for determinism.
func sortDue(es []Enrollment) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i].NextCallAt, es[j].NextCallAt
		if a.Equal(*b) {
			return es[i].ID < es[j].ID
		}
		return a.Before(*b)
	})
}
