// Package memstore provides an in-memory implementation of alert.Store and
// dispatch.Journal.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
)

type retryKey struct {
	alertID, destination string
}

// Store holds alerts and the dispatch journal in memory. Suitable for
// dev/testing; nothing survives a restart.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert // alert ID -> alert
	latest map[string]string       // rule ID + fingerprint -> newest alert ID

	attempts   map[string]*dispatch.Attempt // attempt ID -> attempt
	decisions  map[string][]*dispatch.Decision
	retries    map[retryKey]*dispatch.Retry
	dispatches map[string]dispatch.State
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:     make(map[string]*alert.Alert),
		latest:     make(map[string]string),
		attempts:   make(map[string]*dispatch.Attempt),
		decisions:  make(map[string][]*dispatch.Decision),
		retries:    make(map[retryKey]*dispatch.Retry),
		dispatches: make(map[string]dispatch.State),
	}
}

func fpKey(ruleID, fp string) string { return ruleID + "\x00" + fp }

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// GetByFingerprint retrieves the newest alert for a rule and fingerprint.
// Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, ruleID, fp string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[fpKey(ruleID, fp)]
	if !ok {
		return nil, false, nil
	}
	return s.alerts[id].Clone(), true, nil
}

// Create stores a copy of a unless an active alert already exists for its
// rule and fingerprint.
func (s *Store) Create(_ context.Context, a *alert.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fpKey(a.RuleID, a.Fingerprint)
	if cur, ok := s.alerts[s.latest[k]]; ok && cur.Active() {
		return false, nil
	}
	s.latest[k] = a.ID
	s.alerts[a.ID] = a.Clone()
	return true, nil
}

// Increment adds n occurrences to an active alert. Returns a copy.
func (s *Store) Increment(_ context.Context, id string, n int, seenAt time.Time) (*alert.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || !a.Active() {
		return nil, false, nil
	}
	a.Count += n
	if seenAt.After(a.LastSeen) {
		a.LastSeen = seenAt
	}
	return a.Clone(), true, nil
}

// SetSuppression records the suppression decision for an alert.
func (s *Store) SetSuppression(_ context.Context, id string, sup *alert.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil
	}
	a.SuppressedBy = nil
	if sup != nil {
		cp := *sup
		a.SuppressedBy = &cp
	}
	return nil
}

// SetStatus moves an alert from one status to another if it is still in from.
func (s *Store) SetStatus(_ context.Context, id string, from, to alert.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	switch to {
	case alert.StatusAcknowledged:
		a.AcknowledgedAt = at
	case alert.StatusResolved:
		a.ResolvedAt = at
	}
	return true, nil
}

// List returns copies of matching alerts, newest first.
func (s *Store) List(_ context.Context, f alert.Filter) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b *alert.Alert) int {
		if c := b.FirstSeen.Compare(a.FirstSeen); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	for i, a := range out {
		out[i] = a.Clone()
	}
	return out, nil
}

// PutAttempt inserts or replaces an attempt by ID.
func (s *Store) PutAttempt(_ context.Context, a *dispatch.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

// Attempts returns copies of an alert's attempts ordered by destination
// then attempt number.
func (s *Store) Attempts(_ context.Context, alertID string) ([]*dispatch.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dispatch.Attempt
	for _, a := range s.attempts {
		if a.AlertID == alertID {
			cp := *a
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *dispatch.Attempt) int {
		if c := cmp.Compare(a.Destination, b.Destination); c != 0 {
			return c
		}
		return cmp.Compare(a.Attempt, b.Attempt)
	})
	return out, nil
}

// AppendDecision records a binding decision.
func (s *Store) AppendDecision(_ context.Context, d *dispatch.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.decisions[d.AlertID] = append(s.decisions[d.AlertID], &cp)
	return nil
}

// Decisions returns copies of an alert's decisions in insertion order.
func (s *Store) Decisions(_ context.Context, alertID string) ([]*dispatch.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.decisions[alertID]
	out := make([]*dispatch.Decision, 0, len(src))
	for _, d := range src {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// ScheduleRetry queues a retry, replacing any for the same destination.
func (s *Store) ScheduleRetry(_ context.Context, r *dispatch.Retry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.retries[retryKey{r.AlertID, r.Destination}] = &cp
	return nil
}

// DueRetries returns up to limit retries due at now, oldest first.
func (s *Store) DueRetries(_ context.Context, now time.Time, limit int) ([]*dispatch.Retry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dispatch.Retry
	for _, r := range s.retries {
		if !r.FireAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *dispatch.Retry) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AlertID+a.Destination, b.AlertID+b.Destination)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimRetry removes the queued retry if it still carries attempt.
func (s *Store) ClaimRetry(_ context.Context, alertID, destination string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := retryKey{alertID, destination}
	r, ok := s.retries[k]
	if !ok || r.Attempt != attempt {
		return false, nil
	}
	delete(s.retries, k)
	return true, nil
}

// StrandedAttempts returns latest attempts left pending or retry_scheduled
// before cutoff with nothing queued, oldest first.
func (s *Store) StrandedAttempts(_ context.Context, cutoff time.Time, limit int) ([]*dispatch.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[retryKey]*dispatch.Attempt)
	for _, a := range s.attempts {
		k := retryKey{a.AlertID, a.Destination}
		if cur, ok := latest[k]; !ok || a.Attempt > cur.Attempt {
			latest[k] = a
		}
	}
	var out []*dispatch.Attempt
	for k, a := range latest {
		if _, queued := s.retries[k]; queued {
			continue
		}
		if staleAt(a).IsZero() || !staleAt(a).Before(cutoff) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *dispatch.Attempt) int {
		if c := staleAt(a).Compare(staleAt(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// staleAt is the zero time for attempts that are not waiting on anything.
func staleAt(a *dispatch.Attempt) time.Time {
	switch a.Status {
	case dispatch.AttemptPending:
		return a.ScheduledAt
	case dispatch.AttemptRetryScheduled:
		return a.NextRetryAt
	}
	return time.Time{}
}

// MarkDispatch sets the dispatch-state marker for an alert.
func (s *Store) MarkDispatch(_ context.Context, alertID string, state dispatch.State, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatches[alertID] = state
	return nil
}

// PendingDispatches returns alert IDs whose marker is pending, sorted.
func (s *Store) PendingDispatches(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, st := range s.dispatches {
		if st == dispatch.StatePending {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}
