// Package dispatch drives the response to newly open alerts: playbook
// bindings subject to rate caps, and direct notification destinations with
// retry and exponential backoff. Every decision and attempt is journaled so
// the trace of an alert can be reconstructed and a crashed dispatch resumed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/notify"
	"github.com/linnemanlabs/tripwire/internal/playbook"
	"github.com/linnemanlabs/tripwire/internal/ratelimit"
	"github.com/linnemanlabs/tripwire/internal/rule"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/dispatch")

// ErrNotRetryable is returned by manual retries when nothing is eligible.
var ErrNotRetryable = errors.New("nothing eligible for retry")

// AlertSource re-reads an alert with its suppression decision refreshed.
type AlertSource interface {
	Refresh(ctx context.Context, id string) (*alert.Alert, error)
}

// Catalog supplies bindings, rules and destinations.
type Catalog interface {
	Bindings() []*playbook.Binding
	Rule(id string) (*rule.Rule, bool)
	Destination(id string) (*notify.Destination, bool)
}

// Executor runs a playbook. *playbook.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, req *playbook.Request) (*playbook.Result, error)
}

// Notifier delivers to a destination. *notify.Registry implements it.
type Notifier interface {
	Notify(ctx context.Context, dest *notify.Destination, a *alert.Alert) (int, error)
}

// Options tune retry and timeout behavior.
type Options struct {
	// MaxAttempts is the number of tries per backoff sequence.
	MaxAttempts int
	// BaseDelay is the delay after the first failed try; it doubles per try
	// up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout bounds every external call.
	Timeout time.Duration
	// PollInterval is how often Run checks the retry queue.
	PollInterval time.Duration
	// BatchSize caps retries processed per poll.
	BatchSize int
	// ReconcileInterval is how often Run re-queues stranded deliveries.
	ReconcileInterval time.Duration
	// StaleAfter is how long a pending or retry_scheduled attempt may sit
	// without a queue entry before it counts as stranded. It must exceed
	// Timeout so in-flight calls are left alone.
	StaleAfter time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = time.Minute
	}
	if o.StaleAfter <= o.Timeout {
		o.StaleAfter = 2*o.Timeout + o.PollInterval
	}
}

// Scheduler dispatches alerts. It is safe for concurrent use; distinct
// alerts may be dispatched in parallel.
type Scheduler struct {
	alerts    AlertSource
	journal   Journal
	catalog   Catalog
	playbooks Executor
	notifier  Notifier
	limiter   ratelimit.Limiter
	clock     clock.Clock
	logger    log.Logger
	hooks     Hooks
	opts      Options
}

// Deps are the Scheduler's collaborators. Clock, Logger and Limiter default
// to the real clock, a no-op logger and no caps.
type Deps struct {
	Alerts    AlertSource
	Journal   Journal
	Catalog   Catalog
	Playbooks Executor
	Notifier  Notifier
	Limiter   ratelimit.Limiter
	Clock     clock.Clock
	Logger    log.Logger
	Hooks     Hooks
}

// New creates a Scheduler.
func New(d Deps, opts Options) *Scheduler {
	if d.Alerts == nil || d.Journal == nil || d.Catalog == nil {
		panic(xerrors.New("dispatch: alerts, journal and catalog are required"))
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewMemory(d.Clock)
	}
	opts.defaults()
	return &Scheduler{
		alerts:    d.Alerts,
		journal:   d.Journal,
		catalog:   d.Catalog,
		playbooks: d.Playbooks,
		notifier:  d.Notifier,
		limiter:   d.Limiter,
		clock:     d.Clock,
		logger:    d.Logger,
		hooks:     d.Hooks,
		opts:      opts,
	}
}

// Delay returns the backoff before try+1 after try failed: BaseDelay
// doubling per try, capped at MaxDelay, without jitter.
func (s *Scheduler) Delay(try int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.opts.MaxDelay,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < try; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Dispatch evaluates bindings and delivers to destinations for a newly open
// alert. It is idempotent with respect to the journal: bindings and
// destinations already recorded for the alert are skipped, which is what
// makes Recover safe.
func (s *Scheduler) Dispatch(ctx context.Context, alertID string) error {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("alert.id", alertID),
	))
	defer span.End()

	L := s.logger.With("alert_id", alertID)

	if err := s.journal.MarkDispatch(ctx, alertID, StatePending, s.clock.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark dispatch pending: %w", err)
	}

	a, err := s.alerts.Refresh(ctx, alertID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load alert: %w", err)
	}

	prior, err := s.journal.Decisions(ctx, alertID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load decisions: %w", err)
	}
	decided := make(map[string]bool, len(prior))
	for _, d := range prior {
		decided[d.BindingID] = true
	}

	bindings := playbook.Select(s.catalog.Bindings(), a)

	switch {
	case !a.Active():
		s.recordAlertLevel(ctx, a, bindings, decided, OutcomeCanceled, "alert resolved before dispatch")
	case a.Suppressed():
		reason := fmt.Sprintf("%s %s (%s)", a.SuppressedBy.Kind, a.SuppressedBy.ID, a.SuppressedBy.Name)
		s.recordAlertLevel(ctx, a, bindings, decided, OutcomeSuppressed, reason)
	default:
		for _, b := range bindings {
			if decided[b.ID] {
				continue
			}
			s.evaluateBinding(ctx, a, b)
		}
		if err := s.deliverAll(ctx, a); err != nil {
			L.Error(ctx, err, "destination dispatch incomplete")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if err := s.journal.MarkDispatch(ctx, alertID, StateComplete, s.clock.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark dispatch complete: %w", err)
	}
	return nil
}

// recordAlertLevel journals the same outcome for every applicable binding,
// or once at alert level when none apply, so the trace shows why nothing ran.
func (s *Scheduler) recordAlertLevel(ctx context.Context, a *alert.Alert, bindings []*playbook.Binding, decided map[string]bool, outcome Outcome, reason string) {
	if len(bindings) == 0 {
		if !decided[""] {
			s.record(ctx, &Decision{AlertID: a.ID, Outcome: outcome, Reason: reason})
		}
		return
	}
	for _, b := range bindings {
		if decided[b.ID] {
			continue
		}
		s.record(ctx, &Decision{
			AlertID:    a.ID,
			BindingID:  b.ID,
			PlaybookID: b.PlaybookID,
			Mode:       b.Mode,
			Outcome:    outcome,
			Reason:     reason,
		})
	}
}

func (s *Scheduler) evaluateBinding(ctx context.Context, a *alert.Alert, b *playbook.Binding) {
	d := &Decision{
		AlertID:    a.ID,
		BindingID:  b.ID,
		PlaybookID: b.PlaybookID,
		Mode:       b.Mode,
	}
	defer s.record(ctx, d)

	verdict, release, err := s.limiter.Acquire(ctx, "binding:"+b.ID, b.Limits)
	if err != nil {
		d.Outcome = OutcomeFailed
		d.Error = err.Error()
		return
	}
	if !verdict.Allowed {
		d.Outcome = OutcomeThrottled
		d.Reason = verdict.Reason
		return
	}
	defer release()

	if b.Mode == playbook.ModeSuggest {
		d.Outcome = OutcomeSuggested
		return
	}

	// last chance to cancel before an external effect
	cur, err := s.alerts.Refresh(ctx, a.ID)
	if err == nil && !cur.Active() {
		d.Outcome = OutcomeCanceled
		d.Reason = "alert resolved before execution"
		return
	}
	if cur != nil {
		a = cur
	}

	if s.playbooks == nil {
		d.Outcome = OutcomeFailed
		d.Error = "no playbook executor configured"
		return
	}

	ctx, span := tracer.Start(ctx, "dispatch.execute", trace.WithAttributes(
		attribute.String("binding.id", b.ID),
		attribute.String("playbook.id", b.PlaybookID),
		attribute.String("playbook.mode", string(b.Mode)),
	))
	defer span.End()

	// in-flight calls run to completion so the outcome is always recorded
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	start := time.Now()
	res, err := s.playbooks.Execute(cctx, &playbook.Request{
		Alert:      a,
		PlaybookID: b.PlaybookID,
		BindingID:  b.ID,
		DryRun:     b.Mode == playbook.ModeDryRun,
	})
	d.DurationMS = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		d.Outcome = OutcomeFailed
		d.Error = err.Error()
	case !res.Success:
		d.Outcome = OutcomeFailed
		d.Error = res.Error
		d.Output = res.Output
	case b.Mode == playbook.ModeDryRun:
		d.Outcome = OutcomeDryRun
		d.Output = res.Output
	default:
		d.Outcome = OutcomeExecuted
		d.Output = res.Output
	}
	if res != nil && res.Duration > 0 {
		d.DurationMS = res.Duration.Milliseconds()
	}
	if d.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, d.Error)
	}
}

func (s *Scheduler) record(ctx context.Context, d *Decision) {
	d.ID = ulid.Make().String()
	d.CreatedAt = s.clock.Now()
	if err := s.journal.AppendDecision(ctx, d); err != nil {
		s.logger.Error(ctx, err, "failed to append decision",
			"alert_id", d.AlertID,
			"binding_id", d.BindingID,
			"outcome", d.Outcome,
		)
	}
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(d)
	}
	s.logger.Info(ctx, "dispatch decision",
		"alert_id", d.AlertID,
		"binding_id", d.BindingID,
		"playbook_id", d.PlaybookID,
		"mode", d.Mode,
		"outcome", d.Outcome,
		"reason", d.Reason,
	)
}

// deliverAll starts a backoff sequence for every destination of the alert's
// rule that has no attempt on record yet. A destination whose only rows are
// pending was interrupted mid-call and is sent again.
func (s *Scheduler) deliverAll(ctx context.Context, a *alert.Alert) error {
	r, ok := s.catalog.Rule(a.RuleID)
	if !ok || len(r.Destinations) == 0 {
		return nil
	}

	attempts, err := s.journal.Attempts(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	last := latestByDestination(attempts)

	for _, dest := range r.Destinations {
		prev, seen := last[dest]
		if seen && prev.Status != AttemptPending {
			continue
		}
		next := 1
		if seen {
			next = prev.Attempt + 1
		}
		s.deliver(ctx, a, dest, next, 1, false)
	}
	return nil
}

func latestByDestination(attempts []*Attempt) map[string]*Attempt {
	out := make(map[string]*Attempt)
	for _, at := range attempts {
		if cur, ok := out[at.Destination]; !ok || at.Attempt > cur.Attempt {
			out[at.Destination] = at
		}
	}
	return out
}

// deliver performs one attempt and schedules the next try on failure.
func (s *Scheduler) deliver(ctx context.Context, a *alert.Alert, destID string, attempt, try int, manual bool) *Attempt {
	ctx, span := tracer.Start(ctx, "dispatch.deliver", trace.WithAttributes(
		attribute.String("alert.id", a.ID),
		attribute.String("destination", destID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	L := s.logger.With("alert_id", a.ID, "destination", destID, "attempt", attempt)

	row := &Attempt{
		ID:          ulid.Make().String(),
		AlertID:     a.ID,
		Destination: destID,
		Status:      AttemptPending,
		Attempt:     attempt,
		Try:         try,
		Manual:      manual,
		ScheduledAt: s.clock.Now(),
	}
	if err := s.journal.PutAttempt(ctx, row); err != nil {
		L.Error(ctx, err, "failed to record pending attempt")
	}

	destType := "unknown"
	start := time.Now()
	var sendErr error

	dest, ok := s.catalog.Destination(destID)
	switch {
	case !ok:
		sendErr = fmt.Errorf("unknown destination %q", destID)
	case s.notifier == nil:
		sendErr = errors.New("no notifier configured")
	default:
		destType = dest.Type
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		row.HTTPStatus, sendErr = s.notifier.Notify(cctx, dest, a)
		cancel()
	}
	elapsed := time.Since(start)
	row.SentAt = s.clock.Now()

	switch {
	case sendErr == nil && row.HTTPStatus == 202:
		row.Status = AttemptSent
	case sendErr == nil:
		row.Status = AttemptSuccess
	default:
		row.Error = sendErr.Error()
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		// unknown destinations will never succeed
		if ok && try < s.opts.MaxAttempts {
			row.Status = AttemptRetryScheduled
			row.NextRetryAt = row.SentAt.Add(s.Delay(try))
		} else {
			row.Status = AttemptFailed
		}
	}

	if row.Status == AttemptRetryScheduled {
		err := s.journal.ScheduleRetry(ctx, &Retry{
			AlertID:     a.ID,
			Destination: destID,
			Attempt:     attempt + 1,
			Try:         try + 1,
			Manual:      manual,
			FireAt:      row.NextRetryAt,
		})
		if err != nil {
			L.Error(ctx, err, "failed to schedule retry")
		}
	}

	if err := s.journal.PutAttempt(ctx, row); err != nil {
		L.Error(ctx, err, "failed to record attempt")
	}
	if s.hooks.OnAttempt != nil {
		s.hooks.OnAttempt(row, destType, elapsed)
	}

	if row.Status == AttemptFailed || row.Status == AttemptRetryScheduled {
		L.Warn(ctx, "delivery attempt failed",
			"status", row.Status,
			"try", try,
			"error", row.Error,
			"next_retry_at", row.NextRetryAt,
		)
	}
	return row
}

// ProcessDue runs every retry whose fire time has passed and returns how
// many were attempted. Retries for resolved or suppressed alerts are
// canceled before they start.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	due, err := s.journal.DueRetries(ctx, s.clock.Now(), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due retries: %w", err)
	}
	if s.hooks.OnRetryDue != nil && len(due) > 0 {
		s.hooks.OnRetryDue(len(due))
	}

	n := 0
	for _, r := range due {
		claimed, err := s.journal.ClaimRetry(ctx, r.AlertID, r.Destination, r.Attempt)
		if err != nil {
			s.logger.Error(ctx, err, "failed to claim retry", "alert_id", r.AlertID, "destination", r.Destination)
			continue
		}
		if !claimed {
			continue
		}

		a, err := s.alerts.Refresh(ctx, r.AlertID)
		if err != nil {
			s.logger.Error(ctx, err, "failed to load alert for retry", "alert_id", r.AlertID)
			s.requeue(ctx, r)
			continue
		}
		if reason := cancelReason(a); reason != "" {
			s.cancelAttempt(ctx, r, reason)
			continue
		}
		s.deliver(ctx, a, r.Destination, r.Attempt, r.Try, r.Manual)
		n++
	}
	return n, nil
}

// requeue puts a claimed retry back so a transient failure does not drop it.
func (s *Scheduler) requeue(ctx context.Context, r *Retry) {
	back := *r
	back.FireAt = s.clock.Now().Add(s.opts.BaseDelay)
	if err := s.journal.ScheduleRetry(ctx, &back); err != nil {
		// Reconcile picks it up once the attempt row goes stale
		s.logger.Error(ctx, err, "failed to requeue retry", "alert_id", r.AlertID, "destination", r.Destination)
	}
}

func cancelReason(a *alert.Alert) string {
	switch {
	case !a.Active():
		return "canceled: alert resolved"
	case a.Suppressed():
		return fmt.Sprintf("canceled: suppressed by %s %s", a.SuppressedBy.Kind, a.SuppressedBy.ID)
	}
	return ""
}

func (s *Scheduler) cancelAttempt(ctx context.Context, r *Retry, reason string) {
	now := s.clock.Now()
	row := &Attempt{
		ID:          ulid.Make().String(),
		AlertID:     r.AlertID,
		Destination: r.Destination,
		Status:      AttemptFailed,
		Error:       reason,
		Attempt:     r.Attempt,
		Try:         r.Try,
		Manual:      r.Manual,
		ScheduledAt: now,
	}
	if err := s.journal.PutAttempt(ctx, row); err != nil {
		s.logger.Error(ctx, err, "failed to record canceled retry", "alert_id", r.AlertID)
	}
	s.logger.Info(ctx, "retry canceled", "alert_id", r.AlertID, "destination", r.Destination, "reason", reason)
}

// Reconcile re-queues deliveries that have a pending or retry_scheduled
// attempt but nothing in the retry queue to carry them forward, which
// happens when the process dies between claiming a retry and recording its
// outcome or when writing the queue entry fails. It returns how many were
// re-queued.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	now := s.clock.Now()
	stranded, err := s.journal.StrandedAttempts(ctx, now.Add(-s.opts.StaleAfter), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load stranded attempts: %w", err)
	}
	n := 0
	for _, at := range stranded {
		r := &Retry{
			AlertID:     at.AlertID,
			Destination: at.Destination,
			Attempt:     at.Attempt + 1,
			Try:         at.Try,
			Manual:      at.Manual,
			FireAt:      now,
		}
		// a retry_scheduled row already spent its try; a pending one never finished
		if at.Status == AttemptRetryScheduled {
			r.Try = at.Try + 1
		}
		if err := s.journal.ScheduleRetry(ctx, r); err != nil {
			s.logger.Error(ctx, err, "failed to requeue stranded delivery", "alert_id", at.AlertID, "destination", at.Destination)
			continue
		}
		s.logger.Warn(ctx, "requeued stranded delivery",
			"alert_id", at.AlertID,
			"destination", at.Destination,
			"status", at.Status,
			"attempt", r.Attempt,
		)
		n++
	}
	return n, nil
}

// Run polls the retry queue until ctx is done, reconciling stranded
// deliveries every ReconcileInterval.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	rt := time.NewTicker(s.opts.ReconcileInterval)
	defer rt.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.ProcessDue(ctx); err != nil {
				s.logger.Error(ctx, err, "retry poll failed")
			}
		case <-rt.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Error(ctx, err, "retry reconcile failed")
			}
		}
	}
}

// Recover re-dispatches alerts whose dispatch marker was left pending by a
// crash, then re-queues stranded retries. Work already journaled is skipped.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	ids, err := s.journal.PendingDispatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending dispatches: %w", err)
	}
	for _, id := range ids {
		if err := s.Dispatch(ctx, id); err != nil {
			s.logger.Error(ctx, err, "recovery dispatch failed", "alert_id", id)
		}
	}
	if len(ids) > 0 {
		s.logger.Info(ctx, "recovered pending dispatches", "count", len(ids))
	}
	// runs after the dispatches so their fresh rows are not seen as stranded
	if _, err := s.Reconcile(ctx); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

// RetryDestination starts a fresh backoff sequence for one permanently
// failed destination of an alert.
func (s *Scheduler) RetryDestination(ctx context.Context, alertID, destID string) (*Attempt, error) {
	a, last, err := s.retryable(ctx, alertID)
	if err != nil {
		return nil, err
	}
	prev, ok := last[destID]
	if !ok || prev.Status != AttemptFailed {
		return nil, fmt.Errorf("%w: destination %q has no failed delivery", ErrNotRetryable, destID)
	}
	return s.deliver(ctx, a, destID, prev.Attempt+1, 1, true), nil
}

// RetryFailed starts a fresh backoff sequence for every permanently failed
// destination of an alert.
func (s *Scheduler) RetryFailed(ctx context.Context, alertID string) ([]*Attempt, error) {
	a, last, err := s.retryable(ctx, alertID)
	if err != nil {
		return nil, err
	}
	var out []*Attempt
	for _, dest := range slices.Sorted(maps.Keys(last)) {
		prev := last[dest]
		if prev.Status != AttemptFailed {
			continue
		}
		out = append(out, s.deliver(ctx, a, dest, prev.Attempt+1, 1, true))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no failed deliveries", ErrNotRetryable)
	}
	return out, nil
}

func (s *Scheduler) retryable(ctx context.Context, alertID string) (*alert.Alert, map[string]*Attempt, error) {
	a, err := s.alerts.Refresh(ctx, alertID)
	if err != nil {
		return nil, nil, err
	}
	if !a.Active() {
		return nil, nil, fmt.Errorf("%w: alert is resolved", ErrNotRetryable)
	}
	attempts, err := s.journal.Attempts(ctx, alertID)
	if err != nil {
		return nil, nil, err
	}
	return a, latestByDestination(attempts), nil
}

// DestinationState summarizes delivery to one destination.
type DestinationState struct {
	Destination string        `json:"destination"`
	Status      AttemptStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at,omitzero"`
}

// DeliveryTrace is the full delivery history of an alert.
type DeliveryTrace struct {
	AlertID      string              `json:"alert_id"`
	Attempts     []*Attempt          `json:"attempts"`
	Destinations []*DestinationState `json:"destinations"`
}

// Trace returns every attempt for an alert plus the current state of each
// destination.
func (s *Scheduler) Trace(ctx context.Context, alertID string) (*DeliveryTrace, error) {
	attempts, err := s.journal.Attempts(ctx, alertID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, at := range attempts {
		counts[at.Destination]++
	}
	last := latestByDestination(attempts)

	out := &DeliveryTrace{AlertID: alertID, Attempts: attempts}
	for _, dest := range slices.Sorted(maps.Keys(last)) {
		at := last[dest]
		out.Destinations = append(out.Destinations, &DestinationState{
			Destination: dest,
			Status:      at.Status,
			Attempts:    counts[dest],
			LastError:   at.Error,
			NextRetryAt: at.NextRetryAt,
		})
	}
	if out.Attempts == nil {
		out.Attempts = []*Attempt{}
	}
	return out, nil
}

// Audit returns the binding decisions made for an alert.
func (s *Scheduler) Audit(ctx context.Context, alertID string) ([]*Decision, error) {
	return s.journal.Decisions(ctx, alertID)
}
