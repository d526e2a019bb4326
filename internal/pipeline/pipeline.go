// Package pipeline wires matching, correlation, alert state and dispatch
// together. Matches are routed to a fixed set of correlation workers by
// hash of (rule id, group key) so every key is processed in arrival order by
// a single goroutine; newly created alerts are handed to a bounded dispatch
// pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/correlate"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/rule"
)

// ErrStopped is returned by Submit once the pipeline is shutting down.
var ErrStopped = errors.New("pipeline stopped")

// RuleSource supplies the enabled rules. *catalog.Catalog implements it.
type RuleSource interface {
	Rules() []*rule.Rule
}

// Dispatcher handles a newly created alert. *dispatch.Scheduler implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, alertID string) error
}

// Marker persists the dispatch-state marker before an alert is queued so a
// crash between creation and dispatch is recovered.
type Marker interface {
	MarkDispatch(ctx context.Context, alertID string, state dispatch.State, at time.Time) error
}

// Config sizes the worker pools.
type Config struct {
	Workers         int
	QueueSize       int
	DispatchWorkers int
	DispatchQueue   int
	SweepInterval   time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 4
	}
	if c.DispatchQueue <= 0 {
		c.DispatchQueue = 1024
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// MatchResult is what one matched rule did with the event.
type MatchResult struct {
	RuleID  string        `json:"rule_id"`
	Outcome alert.Outcome `json:"outcome"`
	AlertID string        `json:"alert_id,omitempty"`
	Count   int           `json:"count,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// SubmitResult summarizes one submitted event.
type SubmitResult struct {
	EventID string         `json:"event_id"`
	Matches []*MatchResult `json:"matches"`
}

type job struct {
	ctx   context.Context
	rule  *rule.Rule
	ev    *event.Event
	group string
	reply chan<- *MatchResult
}

// Pipeline is the ingest-to-dispatch engine.
type Pipeline struct {
	rules      RuleSource
	window     *correlate.Window
	alerts     *alert.Service
	dispatcher Dispatcher
	marker     Marker
	clock      clock.Clock
	logger     log.Logger
	hooks      Hooks
	cfg        Config

	mu       sync.RWMutex
	stopped  bool
	shards   []chan *job
	dispatch chan string
	quit     chan struct{}
	wg       sync.WaitGroup
	dwg      sync.WaitGroup
}

// Deps are the Pipeline's collaborators. Dispatcher and Marker may be nil,
// in which case created alerts are not dispatched.
type Deps struct {
	Rules      RuleSource
	Window     *correlate.Window
	Alerts     *alert.Service
	Dispatcher Dispatcher
	Marker     Marker
	Clock      clock.Clock
	Logger     log.Logger
	Hooks      Hooks
}

// New creates a Pipeline. Call Start before Submit.
func New(d Deps, cfg Config) *Pipeline {
	if d.Rules == nil || d.Alerts == nil {
		panic(xerrors.New("pipeline: rules and alerts are required"))
	}
	if d.Window == nil {
		d.Window = correlate.New(correlate.PolicyReset)
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	cfg.defaults()

	p := &Pipeline{
		rules:      d.Rules,
		window:     d.Window,
		alerts:     d.Alerts,
		dispatcher: d.Dispatcher,
		marker:     d.Marker,
		clock:      d.Clock,
		logger:     d.Logger,
		hooks:      d.Hooks,
		cfg:        cfg,
		shards:     make([]chan *job, cfg.Workers),
		dispatch:   make(chan string, cfg.DispatchQueue),
		quit:       make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan *job, cfg.QueueSize)
	}
	return p
}

// Start launches the correlation workers, the dispatch pool and the idle
// group sweeper.
func (p *Pipeline) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, ch := range p.shards {
		p.wg.Add(1)
		go p.correlationWorker(ch)
	}
	for range p.cfg.DispatchWorkers {
		p.dwg.Add(1)
		go p.dispatchWorker(ctx)
	}
	p.dwg.Add(1)
	go p.sweeper(ctx)
}

// Stop refuses new submissions, drains queued work and waits for the
// workers until ctx is done.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(p.dispatch)
		close(p.quit)
		p.dwg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
}

// Submit matches ev against the enabled rules and waits until every match
// has been correlated and applied to alert state. Events no rule matches
// are dropped with an empty result.
func (p *Pipeline) Submit(ctx context.Context, ev *event.Event) (*SubmitResult, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.clock.Now()
	}
	matched := rule.Match(ev, p.rules.Rules())
	if p.hooks.OnEvent != nil {
		p.hooks.OnEvent(len(matched) > 0)
	}
	res := &SubmitResult{EventID: ev.ID, Matches: make([]*MatchResult, 0, len(matched))}
	if len(matched) == 0 {
		return res, nil
	}

	reply := make(chan *MatchResult, len(matched))
	if err := p.enqueue(ctx, matched, ev, reply); err != nil {
		return nil, err
	}

	for range matched {
		select {
		case mr := <-reply:
			res.Matches = append(res.Matches, mr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, nil
}

func (p *Pipeline) enqueue(ctx context.Context, matched []*rule.Rule, ev *event.Event, reply chan<- *MatchResult) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	for _, r := range matched {
		group := r.GroupKey(ev)
		j := &job{ctx: context.WithoutCancel(ctx), rule: r, ev: ev, group: group, reply: reply}
		ch := p.shards[correlate.KeyHash(r.ID, group)%uint64(len(p.shards))]
		select {
		case ch <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) correlationWorker(ch <-chan *job) {
	defer p.wg.Done()
	for j := range ch {
		j.reply <- p.process(j.ctx, j.rule, j.ev, j.group)
	}
}

// process applies one match: the correlation gate is consulted only when
// no active alert exists for the fingerprint.
func (p *Pipeline) process(ctx context.Context, r *rule.Rule, ev *event.Event, group string) *MatchResult {
	mr := &MatchResult{RuleID: r.ID}

	res, err := p.alerts.Observe(ctx, r, ev, func() (bool, int) {
		d := p.window.Observe(r, group, ev.ReceivedAt)
		return d.Fired, d.Count
	})
	if err != nil {
		p.logger.Error(ctx, err, "failed to apply match", "rule_id", r.ID, "event_id", ev.ID)
		mr.Outcome = OutcomeError
		mr.Error = err.Error()
		if p.hooks.OnMatch != nil {
			p.hooks.OnMatch(r.ID, mr.Outcome)
		}
		return mr
	}

	mr.Outcome = res.Outcome
	if res.Alert != nil {
		mr.AlertID = res.Alert.ID
		mr.Count = res.Alert.Count
	}
	if p.hooks.OnMatch != nil {
		p.hooks.OnMatch(r.ID, mr.Outcome)
	}

	if res.Outcome == alert.OutcomeCreated {
		p.logger.Info(ctx, "alert created",
			"alert_id", res.Alert.ID,
			"rule_id", r.ID,
			"fingerprint", res.Alert.Fingerprint,
			"count", res.Alert.Count,
			"suppressed", res.Alert.Suppressed(),
		)
		p.queueDispatch(ctx, res.Alert.ID)
	}
	return mr
}

// OutcomeError marks a match that could not be applied to alert state.
const OutcomeError alert.Outcome = "error"

func (p *Pipeline) queueDispatch(ctx context.Context, alertID string) {
	if p.dispatcher == nil {
		return
	}
	if p.marker != nil {
		if err := p.marker.MarkDispatch(ctx, alertID, dispatch.StatePending, p.clock.Now()); err != nil {
			p.logger.Error(ctx, err, "failed to mark dispatch pending", "alert_id", alertID)
		}
	}
	// correlation workers must never block on a full dispatch queue; the
	// pending marker lets recovery pick the alert up later
	select {
	case p.dispatch <- alertID:
		if p.hooks.OnDispatchQueued != nil {
			p.hooks.OnDispatchQueued(len(p.dispatch))
		}
	default:
		p.logger.Warn(ctx, "dispatch queue full, deferring to recovery", "alert_id", alertID)
		if p.hooks.OnDispatchDropped != nil {
			p.hooks.OnDispatchDropped()
		}
	}
}

func (p *Pipeline) dispatchWorker(ctx context.Context) {
	defer p.dwg.Done()
	for id := range p.dispatch {
		if err := p.dispatcher.Dispatch(ctx, id); err != nil {
			p.logger.Error(ctx, err, "dispatch failed", "alert_id", id)
		}
	}
}

func (p *Pipeline) sweeper(ctx context.Context) {
	defer p.dwg.Done()
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-t.C:
			n := p.window.Sweep(p.clock.Now())
			if p.hooks.OnSweep != nil {
				p.hooks.OnSweep(n, p.window.Len())
			}
			if n > 0 {
				p.logger.Info(ctx, "swept idle correlation groups", "removed", n, "remaining", p.window.Len())
			}
		}
	}
}

// ResetRules drops correlation state for the given rules, used when the
// catalog removes or redefines them.
func (p *Pipeline) ResetRules(ids ...string) {
	for _, id := range ids {
		p.window.Reset(id)
	}
}
