package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach-platform/internal/campaign"
	"outreach-platform/internal/config"
	"outreach-platform/internal/contact"
	"outreach-platform/internal/credits"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/script"
	"outreach-platform/pkg/logger"
)

// MaxDispatchAttempts bounds how many dial attempts one enrollment gets.
const MaxDispatchAttempts = 3

// maxSummaryErrors bounds the error list returned to the trigger. Everything
// is still logged; the summary is a digest, not an audit trail.
const maxSummaryErrors = 20

// DispatcherFactory builds a fresh Dispatcher per tick so that per-owner
// credential lookups are memoized within one tick and never across ticks.
type DispatcherFactory func() dialer.Dispatcher

// TickGuard serializes tick execution across processes. Acquire returning
// false means another tick holds the slot and this invocation must no-op.
type TickGuard interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Summary is the trigger's response body: how much work this tick did and a
// bounded digest of per-enrollment failures.
type Summary struct {
	Skipped    bool              `json:"skipped,omitempty"`
	Reconciled int               `json:"reconciled"`
	Dispatched int               `json:"dispatched"`
	Errors     []EnrollmentError `json:"errors,omitempty"`
}

func (s Summary) Processed() int { return s.Reconciled + s.Dispatched }

type EnrollmentError struct {
	EnrollmentID string `json:"enrollment_id"`
	Stage        string `json:"stage"` // reconcile | dispatch
	Message      string `json:"message"`
}

// Service runs one scheduler tick: settle in-flight calls first, then place
// new ones. It holds no state between ticks; every invocation re-reads
// eligibility from the store so an at-least-once trigger stays safe.
type Service struct {
	campaigns campaign.Store
	contacts  contact.Store
	credits   *credits.Service
	renderer  script.Renderer
	dial      DispatcherFactory

	cfg                  config.SchedulerConfig
	recordingCallbackURL string

	guard TickGuard
	clock func() time.Time
}

type Option func(*Service)

// WithTickGuard installs the cross-process overlap guard. Without it,
// overlapping triggers rely on per-enrollment billing idempotency alone.
func WithTickGuard(g TickGuard) Option {
	return func(s *Service) { s.guard = g }
}

// WithRecordingCallback enables best-effort call recording with the given
// provider callback URL.
func WithRecordingCallback(url string) Option {
	return func(s *Service) { s.recordingCallbackURL = url }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

func NewService(
	campaigns campaign.Store,
	contacts contact.Store,
	creditsSvc *credits.Service,
	renderer script.Renderer,
	dial DispatcherFactory,
	cfg config.SchedulerConfig,
	opts ...Option,
) *Service {
	s := &Service{
		campaigns: campaigns,
		contacts:  contacts,
		credits:   creditsSvc,
		renderer:  renderer,
		dial:      dial,
		cfg:       cfg,
		clock:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tick executes one scheduler pass. Reconciliation runs before dispatch so a
// tick frees budget (settled calls) before spending it (new calls).
func (s *Service) Tick(ctx context.Context) (Summary, error) {
	log := logger.From(ctx)

	if s.guard != nil {
		ok, err := s.guard.Acquire(ctx)
		switch {
		case err != nil:
			// Guard unavailable: proceed. The trigger is at-least-once anyway
			// and billing idempotency absorbs an overlapping tick.
			log.Warn("tick guard unavailable, proceeding without it", "err", err)
		case !ok:
			log.Info("tick skipped, another tick in progress")
			return Summary{Skipped: true}, nil
		default:
			defer func() {
				if err := s.guard.Release(ctx); err != nil {
					log.Warn("tick guard release failed", "err", err)
				}
			}()
		}
	}

	now := s.clock().UTC()
	dispatcher := s.dial()
	var sum Summary

	calling, err := s.campaigns.DueCalling(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("scheduler: list due calling: %w", err)
	}
	for _, e := range calling {
		if err := s.reconcile(ctx, dispatcher, e); err != nil {
			log.Error("reconcile failed", "enrollment_id", e.ID, "err", err)
			sum.addError(e.ID, "reconcile", err)
			continue
		}
		sum.Reconciled++
	}

	queued, err := s.campaigns.DueQueued(ctx, now, s.cfg.BatchSize, MaxDispatchAttempts)
	if err != nil {
		return sum, fmt.Errorf("scheduler: list due queued: %w", err)
	}
	for _, e := range queued {
		// The claim reschedules the row one poll interval out, so a parallel
		// reconcile scan cannot requeue a dispatch that is still in flight.
		claimed, err := s.campaigns.ClaimQueued(ctx, e.ID, e.AttemptCount, now.Add(s.cfg.PollInterval))
		if err != nil {
			log.Error("claim failed", "enrollment_id", e.ID, "err", err)
			sum.addError(e.ID, "dispatch", err)
			continue
		}
		if !claimed {
			// Another tick is already dispatching this row.
			continue
		}
		if err := s.dispatch(ctx, dispatcher, e); err != nil {
			log.Error("dispatch failed", "enrollment_id", e.ID, "err", err)
			sum.addError(e.ID, "dispatch", err)
			continue
		}
		sum.Dispatched++
	}

	log.Info("tick finished",
		"reconciled", sum.Reconciled,
		"dispatched", sum.Dispatched,
		"errors", len(sum.Errors),
	)
	return sum, nil
}

func (s *Summary) addError(enrollmentID, stage string, err error) {
	if len(s.Errors) >= maxSummaryErrors {
		return
	}
	s.Errors = append(s.Errors, EnrollmentError{
		EnrollmentID: enrollmentID,
		Stage:        stage,
		Message:      campaign.TruncateError(err.Error()),
	})
}

// dispatch moves one claimed enrollment toward CALLING: charge the dispatch
// fee under an attempt-scoped idempotency key, render the script, place the
// call. The caller holds the row claim (QUEUED moved to CALLING in the
// store); every exit path below persists an explicit outcome, which either
// confirms the claim or hands the row back to the queue.
//
// Ordering matters: the fee is charged before the dial because the provider
// is not idempotent but the ledger is. A crash between charge and dial
// replays as an already-consumed key on the next tick, never a double charge
// or a double call.
func (s *Service) dispatch(ctx context.Context, dispatcher dialer.Dispatcher, e campaign.Enrollment) error {
	now := s.clock().UTC()
	log := logger.From(ctx).With("enrollment_id", e.ID, "owner_id", e.OwnerID)

	camp, err := s.campaigns.GetCampaign(ctx, e.OwnerID, e.CampaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			return s.skip(ctx, e, now, "campaign no longer exists")
		}
		return fmt.Errorf("load campaign: %w", err)
	}
	if camp.Status != campaign.CampaignStatusActive {
		return s.skip(ctx, e, now, fmt.Sprintf("campaign is %s, not ACTIVE", camp.Status))
	}

	ct, err := s.contacts.Get(ctx, e.OwnerID, e.ContactID)
	if err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			return s.skip(ctx, e, now, "contact no longer exists")
		}
		return fmt.Errorf("load contact: %w", err)
	}

	to, err := dialer.NormalizePhone(ct.Phone)
	if err != nil {
		// Not retryable and not billable: the number will not become dialable
		// on attempt two.
		return s.fail(ctx, e, now, "contact phone is not dialable")
	}

	attempt := e.AttemptCount + 1
	billKey := fmt.Sprintf("%s:attempt-%d", e.ID, attempt)

	res, err := s.credits.ConsumeCreditsOnce(ctx, e.OwnerID, s.cfg.DispatchCostCredits, billKey)
	if err != nil {
		// Ledger unavailable: nothing was charged and no attempt was spent.
		// Leave the enrollment QUEUED but push it out one poll interval.
		e.NextCallAt = timePtr(now.Add(s.cfg.PollInterval))
		e.LastError = campaign.TruncateError("dispatch billing unavailable: " + err.Error())
		e.UpdatedAt = now
		if _, uerr := s.campaigns.UpdateEnrollment(ctx, e); uerr != nil {
			return fmt.Errorf("reschedule after billing error: %w", uerr)
		}
		return fmt.Errorf("dispatch billing: %w", err)
	}
	if !res.OK {
		// Insufficient credits never consumes an attempt; the enrollment waits
		// out the funds delay and tries the same attempt number again.
		log.Info("dispatch deferred, insufficient credits", "balance", res.State.Balance)
		e.NextCallAt = timePtr(now.Add(s.cfg.InsufficientFundsDelay))
		e.LastError = "insufficient credits"
		e.UpdatedAt = now
		_, err := s.campaigns.UpdateEnrollment(ctx, e)
		return err
	}
	if res.AlreadyConsumed {
		log.Info("dispatch fee already charged, continuing", "key", billKey)
	}

	// Past this point the attempt is spent, success or not.
	e.AttemptCount = attempt

	opening, err := s.renderer.Render(ctx, camp, ct)
	if err != nil {
		return s.retryOrFail(ctx, e, now, "script render failed: "+err.Error())
	}

	placed, err := dispatcher.PlaceCall(ctx, dialer.PlaceCallRequest{
		OwnerID:    e.OwnerID,
		CampaignID: e.CampaignID,
		To:         to,
		Script:     opening,
		AgentID:    camp.VoiceAgentID,
		Contact: dialer.ContactContext{
			Name:  ct.Name,
			Email: ct.Email,
			Phone: to,
		},
	})
	if err != nil {
		return s.retryOrFail(ctx, e, now, "call placement failed: "+err.Error())
	}

	e.Status = campaign.EnrollmentStatusCalling
	e.CallSID = placed.CallSID
	e.DialStartedAt = timePtr(now)
	e.NextCallAt = timePtr(now.Add(s.cfg.PollInterval))
	e.LastError = ""
	e.UpdatedAt = now
	if _, err := s.campaigns.UpdateEnrollment(ctx, e); err != nil {
		return fmt.Errorf("persist dial: %w", err)
	}
	log.Info("call placed", "call_sid", placed.CallSID, "path", placed.Path, "attempt", attempt)

	if s.recordingCallbackURL != "" {
		if err := dispatcher.StartRecording(ctx, e.OwnerID, placed.CallSID, s.recordingCallbackURL); err != nil {
			log.Warn("recording start failed", "call_sid", placed.CallSID, "err", err)
		}
	}
	return nil
}

// reconcile settles one due CALLING enrollment: poll the provider, and on a
// final status either bill the duration and complete, or requeue/fail.
func (s *Service) reconcile(ctx context.Context, dispatcher dialer.Dispatcher, e campaign.Enrollment) error {
	now := s.clock().UTC()
	log := logger.From(ctx).With("enrollment_id", e.ID, "owner_id", e.OwnerID, "call_sid", e.CallSID)

	if e.CallSID == "" {
		// Claimed for dispatch but the dial never landed (crash or store
		// error mid-dispatch). Hand the row back to the queue; the
		// attempt-scoped fee key makes any replayed charge a no-op.
		e.Status = campaign.EnrollmentStatusQueued
		e.NextCallAt = timePtr(now.Add(s.cfg.DispatchBackoff))
		e.LastError = "dispatch interrupted before dial"
		e.UpdatedAt = now
		_, err := s.campaigns.UpdateEnrollment(ctx, e)
		return err
	}

	expired := e.DialStartedAt != nil && now.Sub(*e.DialStartedAt) > s.cfg.MaxCallAge

	prog, err := dispatcher.FetchCallStatus(ctx, e.OwnerID, e.CallSID)
	if err != nil {
		if expired {
			return s.fail(ctx, e, now, "call unresolved past max age: "+err.Error())
		}
		e.NextCallAt = timePtr(now.Add(s.cfg.PollInterval))
		e.LastError = campaign.TruncateError("status poll failed: " + err.Error())
		e.UpdatedAt = now
		if _, uerr := s.campaigns.UpdateEnrollment(ctx, e); uerr != nil {
			return fmt.Errorf("reschedule after poll error: %w", uerr)
		}
		return fmt.Errorf("status poll: %w", err)
	}

	if !prog.Status.Final() {
		if expired {
			return s.fail(ctx, e, now, fmt.Sprintf("call still %s past max age", prog.Status))
		}
		e.NextCallAt = timePtr(now.Add(s.cfg.PollInterval))
		e.UpdatedAt = now
		_, err := s.campaigns.UpdateEnrollment(ctx, e)
		return err
	}

	if prog.Status == dialer.CallStatusCompleted {
		return s.settle(ctx, e, now, prog.DurationSeconds)
	}

	// Busy, no-answer, canceled, failed: terminal. The attempt budget covers
	// dispatch failures, not call outcomes; a call that reached the provider
	// and ended without completing closes the enrollment. No duration billing.
	log.Info("call ended without completing", "status", prog.Status)
	return s.fail(ctx, e, now, fmt.Sprintf("call ended %s", prog.Status))
}

// settle charges duration billing under a call-scoped idempotency key and
// marks the enrollment COMPLETED. The enrollment stays CALLING until the
// charge lands so a crash here replays settlement, not the call.
func (s *Service) settle(ctx context.Context, e campaign.Enrollment, now time.Time, durationSeconds int) error {
	log := logger.From(ctx).With("enrollment_id", e.ID, "owner_id", e.OwnerID, "call_sid", e.CallSID)

	amount := billableMinutes(durationSeconds) * s.cfg.RatePerMinuteCredits
	if amount > 0 {
		billKey := e.ID + ":" + e.CallSID
		res, err := s.credits.ConsumeCreditsOnce(ctx, e.OwnerID, amount, billKey)
		if err != nil {
			e.NextCallAt = timePtr(now.Add(s.cfg.BillingRetryDelay))
			e.LastError = campaign.TruncateError("settlement billing unavailable: " + err.Error())
			e.UpdatedAt = now
			if _, uerr := s.campaigns.UpdateEnrollment(ctx, e); uerr != nil {
				return fmt.Errorf("reschedule after settlement error: %w", uerr)
			}
			return fmt.Errorf("settlement billing: %w", err)
		}
		if !res.OK {
			log.Info("settlement deferred, insufficient credits", "amount", amount, "balance", res.State.Balance)
			e.NextCallAt = timePtr(now.Add(s.cfg.InsufficientFundsDelay))
			e.LastError = "insufficient credits for call settlement"
			e.UpdatedAt = now
			_, err := s.campaigns.UpdateEnrollment(ctx, e)
			return err
		}
		if res.AlreadyConsumed {
			log.Info("settlement already charged, completing", "amount", res.ChargedAmount)
		}
	}

	e.Status = campaign.EnrollmentStatusCompleted
	e.NextCallAt = nil
	e.LastError = ""
	e.CompletedAt = timePtr(now)
	e.UpdatedAt = now
	if _, err := s.campaigns.UpdateEnrollment(ctx, e); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	log.Info("enrollment completed", "duration_seconds", durationSeconds, "charged", amount)
	return nil
}

// retryOrFail handles attempt-consuming dispatch failures.
func (s *Service) retryOrFail(ctx context.Context, e campaign.Enrollment, now time.Time, msg string) error {
	if e.AttemptCount >= MaxDispatchAttempts {
		return s.fail(ctx, e, now, msg)
	}
	e.Status = campaign.EnrollmentStatusQueued
	e.NextCallAt = timePtr(now.Add(s.cfg.DispatchBackoff))
	e.LastError = campaign.TruncateError(msg)
	e.UpdatedAt = now
	_, err := s.campaigns.UpdateEnrollment(ctx, e)
	return err
}

func (s *Service) skip(ctx context.Context, e campaign.Enrollment, now time.Time, msg string) error {
	e.Status = campaign.EnrollmentStatusSkipped
	e.NextCallAt = nil
	e.LastError = campaign.TruncateError(msg)
	e.CompletedAt = timePtr(now)
	e.UpdatedAt = now
	_, err := s.campaigns.UpdateEnrollment(ctx, e)
	return err
}

func (s *Service) fail(ctx context.Context, e campaign.Enrollment, now time.Time, msg string) error {
	e.Status = campaign.EnrollmentStatusFailed
	e.NextCallAt = nil
	e.LastError = campaign.TruncateError(msg)
	e.CompletedAt = timePtr(now)
	e.UpdatedAt = now
	_, err := s.campaigns.UpdateEnrollment(ctx, e)
	return err
}

// billableMinutes rounds call duration up to whole minutes. Zero seconds
// bills zero: a completed call with no recorded duration is not charged.
func billableMinutes(seconds int) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64((seconds + 59) / 60)
}

func timePtr(t time.Time) *time.Time { return &t }
