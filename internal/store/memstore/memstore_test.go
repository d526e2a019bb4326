package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
)

var (
	_ alert.Store      = (*Store)(nil)
	_ dispatch.Journal = (*Store)(nil)
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustCreate(t *testing.T, s *Store, a *alert.Alert) {
	t.Helper()
	ok, err := s.Create(context.Background(), a)
	if err != nil || !ok {
		t.Fatalf("Create(%s): ok=%v err=%v", a.ID, ok, err)
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	mustCreate(t, s, &alert.Alert{ID: "a-1", RuleID: "r", Fingerprint: "fp-1", Status: alert.StatusOpen, Attrs: map[string]any{"k": "v"}})

	got, ok, err := s.Get(ctx, "a-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Fingerprint != "fp-1" {
		t.Errorf("Fingerprint = %q, want fp-1", got.Fingerprint)
	}

	// returned copies are isolated
	got.Attrs["k"] = "mutated"
	again, _, _ := s.Get(ctx, "a-1")
	if again.Attrs["k"] != "v" {
		t.Error("mutating a returned alert changed the stored copy")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
	if _, ok, _ := s.GetByFingerprint(context.Background(), "r", "fp"); ok {
		t.Fatal("expected ok=false for missing fingerprint")
	}
}

func TestStore_OneActiveAlertPerFingerprint(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	mustCreate(t, s, &alert.Alert{ID: "old", RuleID: "r", Fingerprint: "fp", Status: alert.StatusOpen, FirstSeen: t0})
	mustCreate(t, s, &alert.Alert{ID: "other", RuleID: "r2", Fingerprint: "fp", Status: alert.StatusOpen, FirstSeen: t0})

	if ok, err := s.Create(ctx, &alert.Alert{ID: "dup", RuleID: "r", Fingerprint: "fp", Status: alert.StatusOpen}); err != nil || ok {
		t.Fatalf("Create over an active alert: ok=%v err=%v", ok, err)
	}

	if ok, err := s.SetStatus(ctx, "old", alert.StatusOpen, alert.StatusResolved, t0.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("SetStatus: ok=%v err=%v", ok, err)
	}
	mustCreate(t, s, &alert.Alert{ID: "new", RuleID: "r", Fingerprint: "fp", Status: alert.StatusOpen, FirstSeen: t0.Add(time.Hour)})

	got, ok, err := s.GetByFingerprint(ctx, "r", "fp")
	if err != nil || !ok {
		t.Fatalf("GetByFingerprint: ok=%v err=%v", ok, err)
	}
	if got.ID != "new" {
		t.Errorf("ID = %q, want new", got.ID)
	}
	if _, ok, _ := s.Get(ctx, "dup"); ok {
		t.Error("refused alert was stored")
	}
}

func TestStore_IncrementIsAtomic(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	mustCreate(t, s, &alert.Alert{ID: "a", RuleID: "r", Fingerprint: "fp", Status: alert.StatusOpen, Count: 1, LastSeen: t0})

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.Increment(ctx, "a", 1, t0.Add(time.Duration(i)*time.Second)); err != nil || !ok {
				t.Errorf("Increment: ok=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()

	got, _, _ := s.Get(ctx, "a")
	if got.Count != n+1 {
		t.Errorf("Count = %d, want %d", got.Count, n+1)
	}
	if !got.LastSeen.Equal(t0.Add((n - 1) * time.Second)) {
		t.Errorf("LastSeen = %v, want the latest occurrence", got.LastSeen)
	}

	if _, err := s.SetStatus(ctx, "a", alert.StatusOpen, alert.StatusResolved, t0); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Increment(ctx, "a", 1, t0); err != nil || ok {
		t.Errorf("Increment on resolved: ok=%v err=%v, want refused", ok, err)
	}
}

func TestStore_SetStatusAndSuppression(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	mustCreate(t, s, &alert.Alert{ID: "a", RuleID: "r", Fingerprint: "fp", Status: alert.StatusOpen})

	if ok, _ := s.SetStatus(ctx, "a", alert.StatusAcknowledged, alert.StatusResolved, t0); ok {
		t.Error("SetStatus applied with a stale from status")
	}
	if ok, _ := s.SetStatus(ctx, "a", alert.StatusOpen, alert.StatusAcknowledged, t0); !ok {
		t.Fatal("SetStatus open -> acknowledged refused")
	}
	sup := &alert.Suppression{Kind: alert.KindSilence, ID: "s1"}
	if err := s.SetSuppression(ctx, "a", sup); err != nil {
		t.Fatal(err)
	}
	sup.ID = "mutated"

	got, _, _ := s.Get(ctx, "a")
	if got.Status != alert.StatusAcknowledged || !got.AcknowledgedAt.Equal(t0) {
		t.Errorf("after ack: %+v", got)
	}
	if got.SuppressedBy == nil || got.SuppressedBy.ID != "s1" {
		t.Errorf("SuppressedBy = %+v", got.SuppressedBy)
	}
	if ok, _ := s.SetStatus(ctx, "missing", alert.StatusOpen, alert.StatusResolved, t0); ok {
		t.Error("SetStatus on a missing alert")
	}
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		st := alert.StatusOpen
		if i%2 == 1 {
			st = alert.StatusResolved
		}
		mustCreate(t, s, &alert.Alert{
			ID:          fmt.Sprintf("a-%d", i),
			RuleID:      "r",
			Fingerprint: fmt.Sprintf("fp-%d", i),
			Status:      st,
			Severity:    "high",
			FirstSeen:   t0.Add(time.Duration(i) * time.Minute),
		})
	}

	got, _ := s.List(ctx, alert.Filter{})
	if len(got) != 5 || got[0].ID != "a-4" || got[4].ID != "a-0" {
		t.Fatalf("List order = %v", ids(got))
	}

	open, _ := s.List(ctx, alert.Filter{Status: alert.StatusOpen})
	if len(open) != 3 {
		t.Errorf("open = %v, want 3", ids(open))
	}

	limited, _ := s.List(ctx, alert.Filter{Limit: 2})
	if len(limited) != 2 || limited[0].ID != "a-4" {
		t.Errorf("limited = %v", ids(limited))
	}

	paged, _ := s.List(ctx, alert.Filter{Limit: 2, Offset: 2})
	if len(paged) != 2 || paged[0].ID != "a-2" || paged[1].ID != "a-1" {
		t.Errorf("offset 2 = %v", ids(paged))
	}
	if past, _ := s.List(ctx, alert.Filter{Offset: 10}); len(past) != 0 {
		t.Errorf("offset past end = %v", ids(past))
	}
}

func TestStore_Attempts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.PutAttempt(ctx, &dispatch.Attempt{ID: "x2", AlertID: "a", Destination: "slack", Attempt: 2, Status: dispatch.AttemptPending})
	_ = s.PutAttempt(ctx, &dispatch.Attempt{ID: "x1", AlertID: "a", Destination: "slack", Attempt: 1, Status: dispatch.AttemptRetryScheduled})
	_ = s.PutAttempt(ctx, &dispatch.Attempt{ID: "x3", AlertID: "a", Destination: "hook", Attempt: 1, Status: dispatch.AttemptSuccess})
	_ = s.PutAttempt(ctx, &dispatch.Attempt{ID: "y1", AlertID: "b", Destination: "hook", Attempt: 1})
	// update in place
	_ = s.PutAttempt(ctx, &dispatch.Attempt{ID: "x2", AlertID: "a", Destination: "slack", Attempt: 2, Status: dispatch.AttemptSuccess})

	got, err := s.Attempts(ctx, "a")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	want := []string{"x3", "x1", "x2"}
	if len(got) != len(want) {
		t.Fatalf("got %d attempts, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("attempts[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
	if got[2].Status != dispatch.AttemptSuccess {
		t.Errorf("x2 status = %s, want success", got[2].Status)
	}
}

func TestStore_Decisions(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.AppendDecision(ctx, &dispatch.Decision{ID: "d1", AlertID: "a", Outcome: dispatch.OutcomeSuggested})
	_ = s.AppendDecision(ctx, &dispatch.Decision{ID: "d2", AlertID: "a", Outcome: dispatch.OutcomeThrottled})

	got, _ := s.Decisions(ctx, "a")
	if len(got) != 2 || got[0].ID != "d1" || got[1].ID != "d2" {
		t.Fatalf("decisions = %+v", got)
	}
	if none, _ := s.Decisions(ctx, "missing"); len(none) != 0 {
		t.Errorf("expected no decisions, got %d", len(none))
	}
}

func TestStore_RetryQueue(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.ScheduleRetry(ctx, &dispatch.Retry{AlertID: "a", Destination: "d", Attempt: 2, FireAt: t0.Add(time.Second)})
	_ = s.ScheduleRetry(ctx, &dispatch.Retry{AlertID: "b", Destination: "d", Attempt: 2, FireAt: t0.Add(time.Minute)})

	due, _ := s.DueRetries(ctx, t0, 10)
	if len(due) != 0 {
		t.Fatalf("due before fire time = %d", len(due))
	}
	due, _ = s.DueRetries(ctx, t0.Add(time.Second), 10)
	if len(due) != 1 || due[0].AlertID != "a" {
		t.Fatalf("due = %+v", due)
	}

	// replacing the entry invalidates a stale claim
	_ = s.ScheduleRetry(ctx, &dispatch.Retry{AlertID: "a", Destination: "d", Attempt: 3, FireAt: t0.Add(2 * time.Second)})
	if ok, _ := s.ClaimRetry(ctx, "a", "d", 2); ok {
		t.Error("claimed a replaced retry")
	}
	if ok, _ := s.ClaimRetry(ctx, "a", "d", 3); !ok {
		t.Error("failed to claim current retry")
	}
	if ok, _ := s.ClaimRetry(ctx, "a", "d", 3); ok {
		t.Error("claimed the same retry twice")
	}
}

func TestStore_ConcurrentClaimOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.ScheduleRetry(ctx, &dispatch.Retry{AlertID: "a", Destination: "d", Attempt: 2, FireAt: t0})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.ClaimRetry(ctx, "a", "d", 2); ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claimed != 1 {
		t.Errorf("claimed = %d, want 1", claimed)
	}
}

func TestStore_StrandedAttempts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	put := func(id, alertID, dest string, n int, st dispatch.AttemptStatus, at time.Time) {
		t.Helper()
		a := &dispatch.Attempt{ID: id, AlertID: alertID, Destination: dest, Attempt: n, Status: st, ScheduledAt: at}
		if st == dispatch.AttemptRetryScheduled {
			a.NextRetryAt = at
		}
		if err := s.PutAttempt(ctx, a); err != nil {
			t.Fatalf("PutAttempt: %v", err)
		}
	}
	put("r1", "a", "hook", 1, dispatch.AttemptRetryScheduled, t0.Add(2*time.Second)) // stranded
	put("p1", "b", "hook", 1, dispatch.AttemptPending, t0.Add(time.Second))          // stranded, older
	put("q1", "c", "hook", 1, dispatch.AttemptRetryScheduled, t0)                    // still queued
	put("s1", "d", "hook", 1, dispatch.AttemptRetryScheduled, t0)                    // superseded
	put("s2", "d", "hook", 2, dispatch.AttemptSuccess, t0)
	put("f1", "e", "hook", 1, dispatch.AttemptFailed, t0)
	put("n1", "f", "hook", 1, dispatch.AttemptPending, t0.Add(time.Hour)) // too recent
	_ = s.ScheduleRetry(ctx, &dispatch.Retry{AlertID: "c", Destination: "hook", Attempt: 2, FireAt: t0})

	got, err := s.StrandedAttempts(ctx, t0.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("StrandedAttempts: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "r1" {
		t.Fatalf("stranded = %+v, want [p1 r1]", got)
	}

	if got, _ := s.StrandedAttempts(ctx, t0.Add(time.Minute), 1); len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("limited stranded = %+v, want [p1]", got)
	}

	// claiming the queued retry strands c as well
	if ok, _ := s.ClaimRetry(ctx, "c", "hook", 2); !ok {
		t.Fatal("ClaimRetry failed")
	}
	if got, _ := s.StrandedAttempts(ctx, t0.Add(time.Minute), 10); len(got) != 3 || got[0].ID != "q1" {
		t.Errorf("stranded after claim = %+v, want q1 first", got)
	}
}

func TestStore_DispatchMarkers(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.MarkDispatch(ctx, "b", dispatch.StatePending, t0)
	_ = s.MarkDispatch(ctx, "a", dispatch.StatePending, t0)
	_ = s.MarkDispatch(ctx, "c", dispatch.StatePending, t0)
	_ = s.MarkDispatch(ctx, "c", dispatch.StateComplete, t0)

	got, _ := s.PendingDispatches(ctx)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("pending = %v, want [a b]", got)
	}
}

func ids(as []*alert.Alert) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}
