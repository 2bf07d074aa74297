package campaign

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func queuedEnrollment(id, campaignID, contactID string, due time.Time) Enrollment {
	return Enrollment{
		ID:         id,
		OwnerID:    "o1",
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     EnrollmentStatusQueued,
		NextCallAt: &due,
	}
}

func TestEnroll_UniquePerCampaignContact(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.Enroll(ctx, queuedEnrollment("e1", "c1", "p1", now)); err != nil {
		t.Fatalf("first enroll: %v", err)
	}
	_, err := store.Enroll(ctx, queuedEnrollment("e2", "c1", "p1", now))
	if !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}

	// Same contact in a different campaign is fine.
	if _, err := store.Enroll(ctx, queuedEnrollment("e3", "c2", "p1", now)); err != nil {
		t.Fatalf("cross-campaign enroll: %v", err)
	}
}

func TestEnroll_RacingCreationsYieldOneRow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Enroll(ctx, queuedEnrollment(
				"e-"+string(rune('a'+i)), "c1", "p1", now))
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else if !errors.Is(err, ErrAlreadyEnrolled) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 {
		t.Fatalf("expected exactly one successful enroll, got %d", okCount)
	}
}

func TestDueQueued_OrderingAndBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		due := now.Add(-age)
		id := []string{"late", "recent", "middle"}[i]
		if _, err := store.Enroll(ctx, queuedEnrollment(id, "c1", id, due)); err != nil {
			t.Fatalf("enroll: %v", err)
		}
	}
	// Not yet due.
	future := now.Add(time.Hour)
	if _, err := store.Enroll(ctx, queuedEnrollment("future", "c1", "future", future)); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	due, err := store.DueQueued(ctx, now, 2, 3)
	if err != nil {
		t.Fatalf("DueQueued: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due, got %d", len(due))
	}
	if due[0].ID != "late" || due[1].ID != "middle" {
		t.Fatalf("expected oldest-first order, got %s, %s", due[0].ID, due[1].ID)
	}
}

func TestDueQueued_ExcludesExhaustedAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	e := queuedEnrollment("e1", "c1", "p1", now.Add(-time.Minute))
	e.AttemptCount = 3
	if _, err := store.Enroll(ctx, e); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	due, err := store.DueQueued(ctx, now, 10, 3)
	if err != nil {
		t.Fatalf("DueQueued: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due enrollments, got %d", len(due))
	}
}

func TestClaimQueued_SecondClaimLoses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.Enroll(ctx, queuedEnrollment("e1", "c1", "p1", now)); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	retryAt := now.Add(30 * time.Second)
	ok, err := store.ClaimQueued(ctx, "e1", 0, retryAt)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.ClaimQueued(ctx, "e1", 0, retryAt)
	if err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}

	e, err := store.GetEnrollment(ctx, "o1", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != EnrollmentStatusCalling {
		t.Fatalf("status = %s, want CALLING after claim", e.Status)
	}
	if e.NextCallAt == nil || !e.NextCallAt.Equal(retryAt) {
		t.Fatalf("claim must reschedule the row, NextCallAt = %v", e.NextCallAt)
	}
}

func TestClaimQueued_StaleAttemptCountLoses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.Enroll(ctx, queuedEnrollment("e1", "c1", "p1", now)); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	// A claimer holding a snapshot from before another tick consumed the
	// attempt must not win.
	ok, err := store.ClaimQueued(ctx, "e1", 1, now.Add(30*time.Second))
	if err != nil || ok {
		t.Fatalf("stale claim must lose: ok=%v err=%v", ok, err)
	}
	if e, _ := store.GetEnrollment(ctx, "o1", "e1"); e.Status != EnrollmentStatusQueued {
		t.Fatalf("lost claim must not change state: %+v", e)
	}
}

func TestDueCalling_OnlyReturnsDueCalling(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	calling := queuedEnrollment("calling", "c1", "p1", past)
	if _, err := store.Enroll(ctx, calling); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	calling.Status = EnrollmentStatusCalling
	calling.CallSID = "CA1"
	if _, err := store.UpdateEnrollment(ctx, calling); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := store.Enroll(ctx, queuedEnrollment("queued", "c1", "p2", past)); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	due, err := store.DueCalling(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueCalling: %v", err)
	}
	if len(due) != 1 || due[0].ID != "calling" {
		t.Fatalf("expected just the calling enrollment, got %+v", due)
	}
}

func TestCampaignStatus_Valid(t *testing.T) {
	for _, s := range []CampaignStatus{CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused, CampaignStatusArchived} {
		if !s.Valid() {
			t.Fatalf("expected %q valid", s)
		}
	}
	if CampaignStatus("DELETED").Valid() {
		t.Fatalf("unexpected valid status")
	}
}

func TestEnrollmentStatus_Terminal(t *testing.T) {
	terminal := []EnrollmentStatus{EnrollmentStatusCompleted, EnrollmentStatusFailed, EnrollmentStatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %q terminal", s)
		}
	}
	if EnrollmentStatusQueued.Terminal() || EnrollmentStatusCalling.Terminal() {
		t.Fatalf("queued/calling must not be terminal")
	}
}

func TestTruncateError(t *testing.T) {
	long := make([]byte, MaxErrorLength+100)
	for i := range long {
		long[i] = 'x'
	}
	got := TruncateError(string(long))
	if len(got) != MaxErrorLength {
		t.Fatalf("expected %d chars, got %d", MaxErrorLength, len(got))
	}
	if TruncateError("short") != "short" {
		t.Fatalf("short messages must pass through")
	}

	// A two-byte rune straddling the limit must be dropped whole.
	multi := strings.Repeat("x", MaxErrorLength-1) + "ééé"
	got = TruncateError(multi)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got[len(got)-4:])
	}
	if len(got) != MaxErrorLength-1 {
		t.Fatalf("expected %d bytes after backing off the rune, got %d", MaxErrorLength-1, len(got))
	}
}

func TestTagArrayRoundTrip(t *testing.T) {
	cases := [][]string{
		{"vip", "midwest", "q3-retarget"},
		{`has"quote`, `back\slash`, "with,comma"},
		{"{braced}", " spaced "},
	}
	for _, tags := range cases {
		got := parseTagArray(tagArray(tags))
		if len(got) != len(tags) {
			t.Fatalf("%v: expected %d tags, got %d (%v)", tags, len(tags), len(got), got)
		}
		for i := range tags {
			if got[i] != tags[i] {
				t.Fatalf("tag %d: expected %q, got %q", i, tags[i], got[i])
			}
		}
	}
	if parseTagArray("{}") != nil {
		t.Fatalf("empty array should parse to nil")
	}
}
