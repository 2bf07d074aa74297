package campaign

import (
	"time"
	"unicode/utf8"
)

// Campaign is a tenant-scoped outbound-call campaign.
//
// Lifecycle: created DRAFT by the owner; only ACTIVE campaigns may dispatch.
// The scheduler never deletes campaigns.
type Campaign struct {
	ID      string         `json:"id" db:"id"`
	OwnerID string         `json:"owner_id" db:"owner_id"`
	Name    string         `json:"name" db:"name"`
	Status  CampaignStatus `json:"status" db:"status"`

	// Script is the opening-line template rendered per contact.
	Script string `json:"script" db:"script"`

	// VoiceAgentID selects the conversational-agent dial path when the owner
	// has agent credentials configured; empty means the native path.
	VoiceAgentID string `json:"voice_agent_id,omitempty" db:"voice_agent_id"`

	// AudienceTagIDs drive enrollment membership elsewhere; the scheduler
	// does not read them.
	AudienceTagIDs []string `json:"audience_tag_ids,omitempty" db:"audience_tag_ids"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CampaignStatus string

const (
	CampaignStatusDraft    CampaignStatus = "DRAFT"
	CampaignStatusActive   CampaignStatus = "ACTIVE"
	CampaignStatusPaused   CampaignStatus = "PAUSED"
	CampaignStatusArchived CampaignStatus = "ARCHIVED"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused, CampaignStatusArchived:
		return true
	default:
		return false
	}
}

// Enrollment is one contact's participation in one campaign's call flow.
//
// Invariants:
// - Exactly one enrollment per (campaign_id, contact_id); enforced by the
//   store's uniqueness constraint because creation can race.
// - Mutated only by the scheduler after creation.
// - Terminal states (COMPLETED, FAILED, SKIPPED) are never mutated again.
type Enrollment struct {
	ID         string `json:"id" db:"id"`
	OwnerID    string `json:"owner_id" db:"owner_id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`

	Status EnrollmentStatus `json:"status" db:"status"`

	// AttemptCount is 0-based and incremented on each dispatch attempt.
	AttemptCount int `json:"attempt_count" db:"attempt_count"`

	// NextCallAt gates eligibility; nil means not scheduled.
	NextCallAt *time.Time `json:"next_call_at,omitempty" db:"next_call_at"`

	// CallSID is the opaque provider call handle, set once dispatched.
	CallSID string `json:"call_sid,omitempty" db:"call_sid"`

	// DialStartedAt records when the current call was placed; bounds how long
	// settlement polling may continue.
	DialStartedAt *time.Time `json:"dial_started_at,omitempty" db:"dial_started_at"`

	// LastError is a bounded, owner-visible message (<= MaxErrorLength).
	LastError string `json:"last_error,omitempty" db:"last_error"`

	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type EnrollmentStatus string

const (
	EnrollmentStatusQueued    EnrollmentStatus = "QUEUED"
	EnrollmentStatusCalling   EnrollmentStatus = "CALLING"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusFailed    EnrollmentStatus = "FAILED"
	EnrollmentStatusSkipped   EnrollmentStatus = "SKIPPED"
)

// Terminal reports whether the status is permanent.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentStatusCompleted, EnrollmentStatusFailed, EnrollmentStatusSkipped:
		return true
	default:
		return false
	}
}

// MaxErrorLength bounds the owner-visible error message.
const MaxErrorLength = 500

// TruncateError bounds a raw error message for storage on an enrollment.
// The cut lands on a rune boundary so a multibyte provider message is never
// left with a broken trailing sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
