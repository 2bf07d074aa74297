package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, opts...), store
}

func mustAdd(t *testing.T, s *Service, owner string, amount int64) {
	t.Helper()
	if _, err := s.AddCredits(context.Background(), owner, amount); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
}

func TestConsumeCreditsOnce_IdempotentReplay(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustAdd(t, s, "o1", 100)

	first, err := s.ConsumeCreditsOnce(ctx, "o1", 30, "charge-1")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !first.OK || first.AlreadyConsumed || first.ChargedAmount != 30 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.State.Balance != 70 {
		t.Fatalf("expected balance 70, got %d", first.State.Balance)
	}

	second, err := s.ConsumeCreditsOnce(ctx, "o1", 30, "charge-1")
	if err != nil {
		t.Fatalf("replay consume: %v", err)
	}
	if !second.OK || !second.AlreadyConsumed || second.ChargedAmount != 30 {
		t.Fatalf("unexpected replay result: %+v", second)
	}
	if second.State.Balance != 70 {
		t.Fatalf("replay mutated balance: %d", second.State.Balance)
	}
}

func TestConsumeCredits_NeverNegative(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustAdd(t, s, "o1", 25)

	seq := []struct {
		amount int64
		key    string
	}{
		{10, "a"}, {10, ""}, {10, "b"}, {5, "c"}, {1, ""},
	}
	for _, step := range seq {
		res, err := s.ConsumeCreditsOnce(ctx, "o1", step.amount, step.key)
		if err != nil {
			t.Fatalf("consume(%d,%q): %v", step.amount, step.key, err)
		}
		if res.State.Balance < 0 {
			t.Fatalf("balance went negative: %d", res.State.Balance)
		}
	}

	st, err := s.GetState(ctx, "o1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	// Debits totaling 25 succeed; anything past zero is rejected.
	if st.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", st.Balance)
	}
}

func TestConsumeCreditsOnce_ConcurrentSameKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustAdd(t, s, "o1", 1000)

	const n = 32
	results := make([]ConsumeResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ConsumeCreditsOnce(ctx, "o1", 40, "settle-call-9")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if !results[i].OK || results[i].ChargedAmount != 40 {
			t.Fatalf("goroutine %d unexpected result: %+v", i, results[i])
		}
		if !results[i].AlreadyConsumed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh debit, got %d", fresh)
	}

	st, _ := s.GetState(ctx, "o1")
	if st.Balance != 960 {
		t.Fatalf("expected balance 960, got %d", st.Balance)
	}
}

func TestConsumeCreditsOnce_InsufficientAfterDrain(t *testing.T) {
	// Owner has 10 credits, dispatch costs 10; a second enrollment costing 5
	// must be rejected with the balance unchanged.
	s, _ := newTestService(t)
	ctx := context.Background()
	mustAdd(t, s, "o1", 10)

	res, err := s.ConsumeCreditsOnce(ctx, "o1", 10, "enr-1:attempt-0")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.OK || res.State.Balance != 0 {
		t.Fatalf("unexpected: %+v", res)
	}

	res2, err := s.ConsumeCreditsOnce(ctx, "o1", 5, "enr-2:attempt-0")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res2.OK || res2.ChargedAmount != 0 || res2.State.Balance != 0 {
		t.Fatalf("expected rejection with balance 0, got %+v", res2)
	}
}

func TestConsumeCreditsOnce_EmptyKeyDegrades(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()
	mustAdd(t, s, "o1", 20)

	res, err := s.ConsumeCreditsOnce(ctx, "o1", 5, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.OK || res.ChargedAmount != 5 || res.AlreadyConsumed {
		t.Fatalf("unexpected: %+v", res)
	}

	// No ledger entry: the degraded path is not idempotent.
	entries, err := store.RecentEntries(ctx, "o1", 10)
	if err != nil {
		t.Fatalf("RecentEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for empty key, got %d", len(entries))
	}
}

func TestConsumeCreditsOnce_RejectsOverlongKey(t *testing.T) {
	s, _ := newTestService(t)
	key := make([]byte, MaxKeyLength+1)
	for i := range key {
		key[i] = 'k'
	}
	_, err := s.ConsumeCreditsOnce(context.Background(), "o1", 1, string(key))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestConsumeCreditsOnce_FreePolicyBypasses(t *testing.T) {
	s, _ := newTestService(t, WithFreePolicy(func(owner string) bool { return owner == "demo" }))
	ctx := context.Background()

	res, err := s.ConsumeCreditsOnce(ctx, "demo", 9999, "anything")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.OK || res.ChargedAmount != 0 {
		t.Fatalf("expected free bypass, got %+v", res)
	}
	st, _ := s.GetState(ctx, "demo")
	if st.Balance != 0 {
		t.Fatalf("demo balance mutated: %d", st.Balance)
	}
}

type fakeCharger struct {
	mu       sync.Mutex
	calls    int
	packages int64
	err      error
}

func (f *fakeCharger) Charge(ctx context.Context, ownerID string, packages int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.packages = packages
	return f.err
}

func TestConsumeCreditsOnce_AutoTopUpCoversShortfall(t *testing.T) {
	ch := &fakeCharger{}
	s, _ := newTestService(t, WithTopUp(ch, 100))
	ctx := context.Background()
	mustAdd(t, s, "o1", 30)
	if _, err := s.SetAutoTopUp(ctx, "o1", true); err != nil {
		t.Fatalf("SetAutoTopUp: %v", err)
	}

	// Shortfall 220 at package size 100 => 3 packages.
	res, err := s.ConsumeCreditsOnce(ctx, "o1", 250, "big-charge")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected top-up to cover charge, got %+v", res)
	}
	if ch.calls != 1 || ch.packages != 3 {
		t.Fatalf("expected one charge of 3 packages, got calls=%d packages=%d", ch.calls, ch.packages)
	}
	// 30 + 300 - 250
	if res.State.Balance != 80 {
		t.Fatalf("expected balance 80, got %d", res.State.Balance)
	}
}

func TestConsumeCreditsOnce_TopUpFailureIsNonFatal(t *testing.T) {
	ch := &fakeCharger{err: errors.New("card declined")}
	s, _ := newTestService(t, WithTopUp(ch, 100))
	ctx := context.Background()
	mustAdd(t, s, "o1", 30)
	if _, err := s.SetAutoTopUp(ctx, "o1", true); err != nil {
		t.Fatalf("SetAutoTopUp: %v", err)
	}

	res, err := s.ConsumeCreditsOnce(ctx, "o1", 250, "big-charge")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.OK {
		t.Fatalf("expected insufficient funds, got %+v", res)
	}
	if res.State.Balance != 30 {
		t.Fatalf("balance mutated on failed charge: %d", res.State.Balance)
	}
}

func TestSpendLedger_CapsRetainedEntries(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()
	mustAdd(t, s, "o1", int64(MaxLedgerEntries)+50)

	for i := 0; i < MaxLedgerEntries+20; i++ {
		res, err := s.ConsumeCreditsOnce(ctx, "o1", 1, fmt.Sprintf("k-%04d", i))
		if err != nil || !res.OK {
			t.Fatalf("consume %d: ok=%v err=%v", i, res.OK, err)
		}
	}

	entries, err := store.RecentEntries(ctx, "o1", 0)
	if err != nil {
		t.Fatalf("RecentEntries: %v", err)
	}
	if len(entries) != MaxLedgerEntries {
		t.Fatalf("expected %d retained entries, got %d", MaxLedgerEntries, len(entries))
	}

	// The oldest keys fell out of the window: replaying one re-charges.
	// This is the documented trade-off of the capped ledger.
	if _, found, err := store.FindEntry(ctx, "o1", "k-0000"); err != nil || found {
		t.Fatalf("expected k-0000 evicted, found=%v err=%v", found, err)
	}
}

func TestAddCredits_ConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddCredits(ctx, "o1", 2); err != nil {
				t.Errorf("AddCredits: %v", err)
			}
		}()
	}
	wg.Wait()

	st, _ := s.GetState(ctx, "o1")
	if st.Balance != n*2 {
		t.Fatalf("expected balance %d, got %d", n*2, st.Balance)
	}
}

func TestService_RejectsInvalidArgs(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.GetState(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := s.AddCredits(ctx, "o1", -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := s.ConsumeCredits(ctx, "", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := s.ConsumeCreditsOnce(ctx, "o1", -5, "k"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestGetState_UnknownOwnerIsZeroState(t *testing.T) {
	s, _ := newTestService(t)
	st, err := s.GetState(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Balance != 0 || st.AutoTopUp || st.OwnerID != "never-seen" {
		t.Fatalf("unexpected zero state: %+v", st)
	}
	if !st.UpdatedAt.Equal(time.Time{}) {
		t.Fatalf("expected zero UpdatedAt")
	}
}
