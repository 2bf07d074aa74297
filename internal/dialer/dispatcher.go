package dialer

import (
	"context"
	"errors"
	"strings"
)

// Dispatcher abstracts call placement and status polling over the two
// provider paths (native telephony API vs. a conversational voice agent
// bridged through the same telephony account).
//
// Rules:
// - No provider HTTP calls outside this package.
// - All requests are owner-scoped; per-owner credentials come from a
//   ConfigResolver, never from process-global state.
// - Providers are not idempotent: callers must never re-place a call for an
//   enrollment that has left QUEUED.
type Dispatcher interface {
	// PlaceCall dials the contact and returns the provider call handle.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)

	// FetchCallStatus polls the telephony provider for call progress and
	// duration, regardless of which path placed the call.
	FetchCallStatus(ctx context.Context, ownerID, callSID string) (CallProgress, error)

	// StartRecording is best effort: failures are logged by callers, never
	// fatal to the call or billing flow.
	StartRecording(ctx context.Context, ownerID, callSID, callbackURL string) error
}

// PlaceCallRequest carries everything a single dial needs. ContactContext is
// forwarded to the voice-agent path as structured conversation context.
type PlaceCallRequest struct {
	OwnerID    string
	CampaignID string

	// To must already be normalized (NormalizePhone).
	To string

	// Script is the rendered opening line; the native path speaks it, the
	// agent path overrides the agent's first message with it.
	Script string

	// AgentID selects the voice-agent path when the owner also has an agent
	// API key configured; empty falls back to the owner's default agent.
	AgentID string

	Contact ContactContext
}

type ContactContext struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type PlaceCallResult struct {
	// CallSID is the telephony call handle used for all later polling.
	CallSID string

	// ConversationID is set by the voice-agent path only.
	ConversationID string

	// Path records which integration placed the call.
	Path DialPath
}

type DialPath string

const (
	DialPathNative     DialPath = "native"
	DialPathVoiceAgent DialPath = "voice_agent"
)

// CallProgress is the provider-agnostic poll result.
type CallProgress struct {
	Status          CallStatus
	DurationSeconds int
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusUnknown    CallStatus = "unknown"
)

// Final reports whether the provider will not change this status again.
func (s CallStatus) Final() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// mapProviderStatus normalizes the telephony provider's status strings.
func mapProviderStatus(raw string) CallStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return CallStatusQueued
	case "ringing":
		return CallStatusRinging
	case "in-progress", "in_progress":
		return CallStatusInProgress
	case "completed":
		return CallStatusCompleted
	case "busy":
		return CallStatusBusy
	case "no-answer", "no_answer":
		return CallStatusNoAnswer
	case "canceled", "cancelled":
		return CallStatusCanceled
	case "failed":
		return CallStatusFailed
	default:
		return CallStatusUnknown
	}
}

var ErrInvalidPhone = errors.New("dialer: phone number is not dialable")

// NormalizePhone reduces a raw CRM phone value to +digits. Numbers that do
// not look like E.164 after cleanup are rejected rather than dialed.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators dropped
		default:
			return "", ErrInvalidPhone
		}
	}
	s := b.String()
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s, nil
}
