package credits

import (
	"context"
	"time"

	"outreach-platform/pkg/logger"
)

// Service provides the credits surface other features build on: booking,
// outbound calling, and lead scraping all charge through this API.
//
// Money invariants:
// - A debit either fully succeeds or leaves the balance unchanged, with one
//   exception: replaying an already-consumed idempotency key reports success
//   without mutating the balance.
// - The spend ledger is append-only and capped at MaxLedgerEntries.
type Service struct {
	store Store

	// free marks owners whose consumption is bypassed (demo accounts).
	// Injected policy, never a hard-coded identity list.
	free FreePolicy

	// charger performs auto-top-up purchases; nil disables top-ups.
	charger TopUpCharger

	// creditsPerPackage is the top-up package size.
	creditsPerPackage int64

	clock func() time.Time
}

// FreePolicy reports whether an owner's consumption is waived.
type FreePolicy func(ownerID string) bool

// TopUpCharger purchases top-up packages through the payment collaborator.
// An error means "top-up unavailable"; callers fall through to the
// insufficient-funds outcome rather than failing the billing attempt.
type TopUpCharger interface {
	Charge(ctx context.Context, ownerID string, packages int64) error
}

// ConsumeResult is the outcome of ConsumeCreditsOnce.
type ConsumeResult struct {
	OK              bool  `json:"ok"`
	ChargedAmount   int64 `json:"charged_amount"`
	AlreadyConsumed bool  `json:"already_consumed"`
	State           State `json:"state"`
}

type Option func(*Service)

func WithFreePolicy(p FreePolicy) Option {
	return func(s *Service) { s.free = p }
}

func WithTopUp(c TopUpCharger, creditsPerPackage int64) Option {
	return func(s *Service) {
		s.charger = c
		s.creditsPerPackage = creditsPerPackage
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:             store,
		free:              func(string) bool { return false },
		creditsPerPackage: 500,
		clock:             time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) GetState(ctx context.Context, ownerID string) (State, error) {
	if ownerID == "" {
		return State{}, ErrInvalidArgument
	}
	return s.store.GetState(ctx, ownerID)
}

// AddCredits is a non-idempotent increment used for refunds and top-ups.
func (s *Service) AddCredits(ctx context.Context, ownerID string, amount int64) (State, error) {
	if ownerID == "" || amount < 0 {
		return State{}, ErrInvalidArgument
	}
	return s.store.AddBalance(ctx, ownerID, amount)
}

func (s *Service) SetAutoTopUp(ctx context.Context, ownerID string, enabled bool) (State, error) {
	if ownerID == "" {
		return State{}, ErrInvalidArgument
	}
	return s.store.SetAutoTopUp(ctx, ownerID, enabled)
}

func (s *Service) RecentSpend(ctx context.Context, ownerID string, limit int) ([]SpendEntry, error) {
	if ownerID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.RecentEntries(ctx, ownerID, limit)
}

// ConsumeCredits is the non-idempotent debit. Use it only where the caller
// already guarantees at-most-once invocation per logical charge.
func (s *Service) ConsumeCredits(ctx context.Context, ownerID string, amount int64) (bool, State, error) {
	if ownerID == "" || amount < 0 {
		return false, State{}, ErrInvalidArgument
	}
	if s.free(ownerID) {
		st, err := s.store.GetState(ctx, ownerID)
		return err == nil, st, err
	}
	return s.store.Debit(ctx, ownerID, amount)
}

// ConsumeCreditsOnce is the scheduler's billing primitive: safe to replay for
// the same logical charge because the tick trigger is at-least-once.
//
// An empty idempotencyKey degrades to ConsumeCredits (documented weaker
// guarantee for callers that cannot supply a key).
func (s *Service) ConsumeCreditsOnce(ctx context.Context, ownerID string, amount int64, idempotencyKey string) (ConsumeResult, error) {
	if ownerID == "" || amount < 0 || len(idempotencyKey) > MaxKeyLength {
		return ConsumeResult{}, ErrInvalidArgument
	}

	if s.free(ownerID) {
		st, err := s.store.GetState(ctx, ownerID)
		if err != nil {
			return ConsumeResult{}, err
		}
		return ConsumeResult{OK: true, State: st}, nil
	}

	if idempotencyKey == "" {
		ok, st, err := s.store.Debit(ctx, ownerID, amount)
		if err != nil {
			return ConsumeResult{}, err
		}
		res := ConsumeResult{OK: ok, State: st}
		if ok {
			res.ChargedAmount = amount
		}
		return res, nil
	}

	// Fast path: an already-recorded key needs no lock or top-up.
	if existing, found, err := s.store.FindEntry(ctx, ownerID, idempotencyKey); err != nil {
		return ConsumeResult{}, err
	} else if found {
		st, err := s.store.GetState(ctx, ownerID)
		if err != nil {
			return ConsumeResult{}, err
		}
		return ConsumeResult{OK: true, AlreadyConsumed: true, ChargedAmount: existing.Amount, State: st}, nil
	}

	st, err := s.store.GetState(ctx, ownerID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if st.AutoTopUp && st.Balance < amount {
		s.tryTopUp(ctx, ownerID, amount-st.Balance)
	}

	// The keyed debit re-checks the ledger and balance under the
	// per-(owner,key) lock, closing the race with the checks above.
	res, err := s.store.DebitKeyed(ctx, ownerID, amount, idempotencyKey, s.clock().UTC())
	if err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{
		OK:              res.OK,
		ChargedAmount:   res.ChargedAmount,
		AlreadyConsumed: res.AlreadyConsumed,
		State:           res.State,
	}, nil
}

// tryTopUp makes exactly one attempt to cover the shortfall. Failure is
// non-fatal: the debit below will simply report insufficient funds.
func (s *Service) tryTopUp(ctx context.Context, ownerID string, shortfall int64) {
	if s.charger == nil || s.creditsPerPackage <= 0 {
		return
	}
	packages := shortfall / s.creditsPerPackage
	if shortfall%s.creditsPerPackage != 0 {
		packages++
	}
	if packages <= 0 {
		return
	}
	if err := s.charger.Charge(ctx, ownerID, packages); err != nil {
		logger.From(ctx).Warn("auto top-up unavailable", "owner_id", ownerID, "packages", packages, "err", err)
		return
	}
	if _, err := s.store.AddBalance(ctx, ownerID, packages*s.creditsPerPackage); err != nil {
		logger.From(ctx).Error("top-up credit apply failed", "owner_id", ownerID, "err", err)
	}
}
