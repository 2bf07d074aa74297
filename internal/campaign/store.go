package campaign

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyEnrolled = errors.New("contact already enrolled")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store persists campaigns and enrollments.
//
// Uniqueness of (campaign_id, contact_id) is a store guarantee, not
// application logic: Enroll must fail with ErrAlreadyEnrolled on conflict
// even when two creations race.
type Store interface {
	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, ownerID, id string) (Campaign, error)
	UpdateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	ListCampaigns(ctx context.Context, ownerID string) ([]Campaign, error)

	// Enroll inserts a QUEUED enrollment; ErrAlreadyEnrolled on a duplicate
	// (campaign, contact) pair.
	Enroll(ctx context.Context, e Enrollment) (Enrollment, error)

	GetEnrollment(ctx context.Context, ownerID, id string) (Enrollment, error)

	// DueQueued returns up to limit QUEUED enrollments with
	// attempt_count < maxAttempts and next_call_at <= now, oldest first.
	DueQueued(ctx context.Context, now time.Time, limit, maxAttempts int) ([]Enrollment, error)

	// ClaimQueued atomically moves a QUEUED enrollment with the given
	// attempt count to CALLING and reschedules it for retryAt. False means
	// another writer got there first (status or attempt count no longer
	// match), so overlapping scheduler runs dispatch each row at most once.
	// The reschedule keeps the in-flight row out of the reconcile scan until
	// the claimer has had time to record an outcome.
	ClaimQueued(ctx context.Context, id string, attemptCount int, retryAt time.Time) (bool, error)

	// DueCalling returns up to limit CALLING enrollments with
	// next_call_at <= now, oldest first.
	DueCalling(ctx context.Context, now time.Time, limit int) ([]Enrollment, error)

	// UpdateEnrollment persists a state transition.
	UpdateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
}
