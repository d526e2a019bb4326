// Package alert is the authoritative alert state: dedup by fingerprint,
// occurrence counting, mute, status transitions and the suppression
// decision recorded on each alert.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/rule"
)

// Outcome says what an occurrence did to the alert table.
type Outcome string

const (
	// OutcomeCreated means a new open alert exists and should be dispatched.
	OutcomeCreated Outcome = "created"

	// OutcomeDuplicate means an active alert absorbed the occurrence.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeMuted means the rule fired inside its mute period after the
	// previous alert for the fingerprint was resolved.
	OutcomeMuted Outcome = "muted"

	// OutcomePending means the correlation window has not reached threshold.
	OutcomePending Outcome = "pending"
)

// Result is the outcome of Observe or Upsert.
type Result struct {
	Alert   *Alert
	Outcome Outcome
}

// Gate is consulted only when no active alert exists for a fingerprint. It
// reports whether the correlation window fired and with what count.
type Gate func() (fired bool, count int)

// Suppressor decides whether an alert falls inside an active silence or
// maintenance window.
type Suppressor interface {
	Evaluate(a *Alert, now time.Time) *Suppression
}

const lockShards = 256

// Service is the business boundary for alert state.
type Service struct {
	store      Store
	suppressor Suppressor
	clock      clock.Clock
	logger     log.Logger
	locks      [lockShards]sync.Mutex
}

// NewService creates a new alert service. suppressor may be nil.
func NewService(store Store, suppressor Suppressor, clk clock.Clock, logger log.Logger) *Service {
	if store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		suppressor: suppressor,
		clock:      clk,
		logger:     logger,
	}
}

func (s *Service) lock(ruleID, fingerprint string) func() {
	mu := &s.locks[xxhash.Sum64String(ruleID+"\x00"+fingerprint)%lockShards]
	mu.Lock()
	return mu.Unlock
}

// Upsert records one occurrence of r for ev: an active alert with the same
// fingerprint is incremented, otherwise a new open alert is created.
func (s *Service) Upsert(ctx context.Context, r *rule.Rule, ev *event.Event) (*Result, error) {
	return s.Observe(ctx, r, ev, func() (bool, int) { return true, 1 })
}

// Observe is Upsert behind a correlation gate. Matches that land on an
// active alert increment it without consulting the gate, so a burst that
// already fired keeps counting on the existing alert.
func (s *Service) Observe(ctx context.Context, r *rule.Rule, ev *event.Event, gate Gate) (*Result, error) {
	fp := r.FingerprintOf(ev)
	unlock := s.lock(r.ID, fp)
	defer unlock()

	now := s.clock.Now()

	existing, ok, err := s.store.GetByFingerprint(ctx, r.ID, fp)
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	if ok && existing.Active() {
		res, err := s.absorb(ctx, existing.ID, 1, now)
		if err != nil || res != nil {
			return res, err
		}
		// resolved by another process since the lookup
		if existing, ok, err = s.store.GetByFingerprint(ctx, r.ID, fp); err != nil {
			return nil, fmt.Errorf("lookup fingerprint: %w", err)
		}
	}

	fired, count := gate()
	if !fired {
		return &Result{Outcome: OutcomePending}, nil
	}

	if ok && r.Mute > 0 && now.Before(existing.LastFired.Add(r.Mute)) {
		s.logger.Info(ctx, "alert muted",
			"rule_id", r.ID,
			"fingerprint", fp,
			"previous_alert", existing.ID,
		)
		return &Result{Alert: existing, Outcome: OutcomeMuted}, nil
	}

	if count < 1 {
		count = 1
	}
	a := &Alert{
		ID:          ulid.Make().String(),
		RuleID:      r.ID,
		Fingerprint: fp,
		GroupKey:    r.GroupKey(ev),
		Message:     r.MessageOf(ev),
		Severity:    r.Severity,
		Status:      StatusOpen,
		Count:       count,
		FirstSeen:   now,
		LastSeen:    now,
		LastFired:   now,
		EventType:   ev.Type,
		Tags:        append([]string(nil), r.Tags...),
		Attrs:       ev.Attrs,
	}
	s.evaluate(a, now)

	created, err := s.store.Create(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if created {
		return &Result{Alert: a, Outcome: OutcomeCreated}, nil
	}

	// another process opened the alert first; the occurrences count on it
	cur, ok, err := s.store.GetByFingerprint(ctx, r.ID, fp)
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if ok && cur.Active() {
		res, err := s.absorb(ctx, cur.ID, count, now)
		if err != nil || res != nil {
			return res, err
		}
	}
	return nil, fmt.Errorf("create alert: active alert for %s/%s changed concurrently", r.ID, fp)
}

// absorb increments an active alert and refreshes its suppression decision.
// It returns a nil Result when the alert is no longer active.
func (s *Service) absorb(ctx context.Context, id string, n int, now time.Time) (*Result, error) {
	a, ok, err := s.store.Increment(ctx, id, n, now)
	if err != nil {
		return nil, fmt.Errorf("increment alert %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	if s.evaluate(a, now) {
		if err := s.store.SetSuppression(ctx, a.ID, a.SuppressedBy); err != nil {
			return nil, fmt.Errorf("record suppression for %s: %w", a.ID, err)
		}
	}
	return &Result{Alert: a, Outcome: OutcomeDuplicate}, nil
}

// Get returns an alert with its suppression decision refreshed.
func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if err := s.refresh(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Refresh re-reads an alert under its fingerprint lock and re-evaluates
// suppression. The dispatcher calls it immediately before acting.
func (s *Service) Refresh(ctx context.Context, id string) (*Alert, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	unlock := s.lock(a.RuleID, a.Fingerprint)
	defer unlock()

	if a, ok, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}
	if a.Active() && s.evaluate(a, s.clock.Now()) {
		if err := s.store.SetSuppression(ctx, a.ID, a.SuppressedBy); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// listPage is the smallest page List reads when it has to skip suppressed
// or unsuppressed alerts.
const listPage = 100

// List returns alerts matching f. Suppression is re-evaluated for active
// alerts before the suppressed filter is applied, so the default listing
// hides alerts inside an active window. Status, severity, rule, offset and
// limit go to the store; when the suppressed filter may drop alerts List
// reads further pages until the limit is met or the store runs dry.
func (s *Service) List(ctx context.Context, f Filter) ([]*Alert, error) {
	if f.Suppressed == SuppressedInclude {
		all, err := s.store.List(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, a := range all {
			if err := s.refresh(ctx, a); err != nil {
				return nil, err
			}
		}
		if all == nil {
			all = []*Alert{}
		}
		return all, nil
	}

	q := f
	q.Offset = 0
	if f.Limit > 0 {
		q.Limit = max(2*f.Limit, listPage)
	}

	out := []*Alert{}
	skip := f.Offset
	for {
		page, err := s.store.List(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, a := range page {
			if err := s.refresh(ctx, a); err != nil {
				return nil, err
			}
			if !f.admits(a) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, a)
			if f.Limit > 0 && len(out) == f.Limit {
				return out, nil
			}
		}
		if q.Limit == 0 || len(page) < q.Limit {
			return out, nil
		}
		q.Offset += len(page)
	}
}

// Acknowledge moves an open alert to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id string) (*Alert, error) {
	return s.transition(ctx, id, StatusAcknowledged)
}

// Resolve moves an open or acknowledged alert to resolved.
func (s *Service) Resolve(ctx context.Context, id string) (*Alert, error) {
	return s.transition(ctx, id, StatusResolved)
}

func (s *Service) transition(ctx context.Context, id string, to Status) (*Alert, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	unlock := s.lock(a.RuleID, a.Fingerprint)
	defer unlock()

	// another process may change the status between read and write, so the
	// store only applies the change if the status is still the one read
	for range maxTransitionTries {
		if a, ok, err = s.store.Get(ctx, id); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrNotFound
		}
		if !CanTransition(a.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}

		now := s.clock.Now()
		moved, err := s.store.SetStatus(ctx, id, a.Status, to, now)
		if err != nil {
			return nil, err
		}
		if !moved {
			continue
		}
		a.Status = to
		switch to {
		case StatusAcknowledged:
			a.AcknowledgedAt = now
		case StatusResolved:
			a.ResolvedAt = now
		}
		s.logger.Info(ctx, "alert transitioned", "alert_id", a.ID, "status", to)
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
}

// maxTransitionTries bounds how often transition rereads an alert whose
// status changed underneath it. Each status has at most two successors.
const maxTransitionTries = 3

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusOpen:
		return to == StatusAcknowledged || to == StatusResolved
	case StatusAcknowledged:
		return to == StatusResolved
	}
	return false
}

// refresh re-evaluates suppression on an active alert and persists a
// changed decision. Resolved alerts keep whatever was recorded.
func (s *Service) refresh(ctx context.Context, a *Alert) error {
	if !a.Active() {
		return nil
	}
	if !s.evaluate(a, s.clock.Now()) {
		return nil
	}
	return s.store.SetSuppression(ctx, a.ID, a.SuppressedBy)
}

// evaluate sets a.SuppressedBy and reports whether it changed.
func (s *Service) evaluate(a *Alert, now time.Time) bool {
	if s.suppressor == nil {
		return false
	}
	next := s.suppressor.Evaluate(a, now)
	prev := a.SuppressedBy
	a.SuppressedBy = next
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	}
	return *prev != *next
}
