package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/correlate"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/pipeline"
	"github.com/linnemanlabs/tripwire/internal/rule"
	"github.com/linnemanlabs/tripwire/internal/store/memstore"
	"github.com/linnemanlabs/tripwire/internal/suppress"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticRules []*rule.Rule

func (s staticRules) Rules() []*rule.Rule { return s }

type recordingDispatcher struct {
	ids chan string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.ids <- id
	return nil
}

type harness struct {
	clk        *clock.Fake
	store      *memstore.Store
	alerts     *alert.Service
	supp       *suppress.Static
	dispatcher *recordingDispatcher
	p          *pipeline.Pipeline
}

func compile(t *testing.T, r *rule.Rule) *rule.Rule {
	t.Helper()
	if err := r.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return r
}

func newHarness(t *testing.T, hooks pipeline.Hooks, rules ...*rule.Rule) *harness {
	t.Helper()
	h := &harness{
		clk:        clock.NewFake(t0),
		store:      memstore.New(),
		supp:       &suppress.Static{},
		dispatcher: &recordingDispatcher{ids: make(chan string, 16)},
	}
	h.alerts = alert.NewService(h.store, suppress.NewEvaluator(h.supp), h.clk, nil)
	h.p = pipeline.New(pipeline.Deps{
		Rules:      staticRules(rules),
		Window:     correlate.New(correlate.PolicyReset),
		Alerts:     h.alerts,
		Dispatcher: h.dispatcher,
		Marker:     h.store,
		Clock:      h.clk,
		Hooks:      hooks,
	}, pipeline.Config{Workers: 4, DispatchWorkers: 1})
	h.p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.p.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return h
}

func (h *harness) submit(t *testing.T, typ string, attrs map[string]any) *pipeline.SubmitResult {
	t.Helper()
	res, err := h.p.Submit(context.Background(), event.New("", typ, attrs, h.clk.Now()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func (h *harness) dispatched(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.dispatcher.ids:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("alert was not dispatched")
		return ""
	}
}

func sshRule() *rule.Rule {
	return &rule.Rule{
		ID: "ssh-brute", Type: "login", Enabled: true, Severity: "high",
		Match:       map[string]any{"attrs.outcome": "failure"},
		Window:      2 * time.Minute,
		Threshold:   3,
		GroupBy:     "attrs.source",
		Fingerprint: "${attrs.source}",
		Message:     "brute force from ${attrs.source}",
	}
}

func TestSubmit_DedupCountsOccurrences(t *testing.T) {
	t.Parallel()

	r := compile(t, &rule.Rule{ID: "disk", Type: "disk_full", Enabled: true, Fingerprint: "${attrs.host}"})
	h := newHarness(t, pipeline.Hooks{}, r)

	first := h.submit(t, "disk_full", map[string]any{"host": "db-1"})
	if len(first.Matches) != 1 || first.Matches[0].Outcome != alert.OutcomeCreated {
		t.Fatalf("first = %+v", first.Matches)
	}
	for range 4 {
		h.clk.Advance(time.Second)
		res := h.submit(t, "disk_full", map[string]any{"host": "db-1"})
		if res.Matches[0].Outcome != alert.OutcomeDuplicate {
			t.Fatalf("outcome = %s, want duplicate", res.Matches[0].Outcome)
		}
	}

	if id := h.dispatched(t); id != first.Matches[0].AlertID {
		t.Errorf("dispatched %s, want %s", id, first.Matches[0].AlertID)
	}
	a, err := h.alerts.Get(context.Background(), first.Matches[0].AlertID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Count != 5 {
		t.Errorf("Count = %d, want 5", a.Count)
	}
	all, _ := h.alerts.List(context.Background(), alert.Filter{})
	if len(all) != 1 {
		t.Errorf("alerts = %d, want 1", len(all))
	}
}

func TestSubmit_ThresholdWithinWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipeline.Hooks{}, compile(t, sshRule()))
	attrs := map[string]any{"outcome": "failure", "source": "10.0.0.1"}

	var outcomes []alert.Outcome
	var last *pipeline.MatchResult
	for range 4 {
		res := h.submit(t, "login", attrs)
		last = res.Matches[0]
		outcomes = append(outcomes, last.Outcome)
		h.clk.Advance(30 * time.Second)
	}

	want := []alert.Outcome{alert.OutcomePending, alert.OutcomePending, alert.OutcomeCreated, alert.OutcomeDuplicate}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("event %d outcome = %s, want %s", i+1, outcomes[i], want[i])
		}
	}
	if last.Count != 4 {
		t.Errorf("count after fourth event = %d, want 4", last.Count)
	}

	// a different source is a separate group
	res := h.submit(t, "login", map[string]any{"outcome": "failure", "source": "10.0.0.2"})
	if res.Matches[0].Outcome != alert.OutcomePending {
		t.Errorf("other group outcome = %s, want pending", res.Matches[0].Outcome)
	}
}

func TestSubmit_ThresholdExpiresOutsideWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipeline.Hooks{}, compile(t, sshRule()))
	attrs := map[string]any{"outcome": "failure", "source": "10.0.0.1"}

	for range 3 {
		res := h.submit(t, "login", attrs)
		if res.Matches[0].Outcome != alert.OutcomePending {
			t.Fatalf("outcome = %s, want pending", res.Matches[0].Outcome)
		}
		h.clk.Advance(90 * time.Second)
	}
}

func TestSubmit_UnmatchedEventIsDropped(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []bool
	h := newHarness(t, pipeline.Hooks{OnEvent: func(m bool) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	}}, compile(t, sshRule()))

	res := h.submit(t, "login", map[string]any{"outcome": "success"})
	if len(res.Matches) != 0 {
		t.Errorf("matches = %+v, want none", res.Matches)
	}
	res = h.submit(t, "dns", map[string]any{"outcome": "failure"})
	if len(res.Matches) != 0 {
		t.Errorf("matches = %+v, want none", res.Matches)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] || seen[1] {
		t.Errorf("OnEvent = %v, want two unmatched", seen)
	}
}

func TestSubmit_SilencedAlertHiddenFromDefaultList(t *testing.T) {
	t.Parallel()

	r := compile(t, &rule.Rule{ID: "scan", Type: "portscan", Enabled: true, Fingerprint: "${attrs.source}"})
	h := newHarness(t, pipeline.Hooks{}, r)

	w := &suppress.Window{
		ID: "s1", Name: "scanner", Kind: alert.KindSilence,
		Match:    map[string]any{"attrs.source": "10.0.0.99"},
		StartsAt: t0.Add(-time.Hour),
		EndsAt:   t0.Add(time.Hour),
	}
	if err := w.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	h.supp.Silence = []*suppress.Window{w}

	h.submit(t, "portscan", map[string]any{"source": "10.0.0.99"})
	h.submit(t, "portscan", map[string]any{"source": "10.0.0.1"})
	h.dispatched(t)
	h.dispatched(t)

	ctx := context.Background()
	tests := []struct {
		name string
		f    alert.SuppressedFilter
		want int
	}{
		{"default hides suppressed", alert.SuppressedExclude, 1},
		{"include", alert.SuppressedInclude, 2},
		{"only", alert.SuppressedOnly, 1},
	}
	for _, tt := range tests {
		got, err := h.alerts.List(ctx, alert.Filter{Suppressed: tt.f})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: %d alerts, want %d", tt.name, len(got), tt.want)
		}
	}
	only, _ := h.alerts.List(ctx, alert.Filter{Suppressed: alert.SuppressedOnly})
	if only[0].SuppressedBy == nil || only[0].SuppressedBy.ID != "s1" {
		t.Errorf("SuppressedBy = %+v", only[0].SuppressedBy)
	}

	// once the silence ends the alert is visible again
	h.clk.Advance(2 * time.Hour)
	visible, _ := h.alerts.List(ctx, alert.Filter{})
	if len(visible) != 2 {
		t.Errorf("after silence: %d alerts, want 2", len(visible))
	}
}

func TestSubmit_ResolveThenNewAlert(t *testing.T) {
	t.Parallel()

	r := compile(t, &rule.Rule{ID: "disk", Type: "disk_full", Enabled: true, Fingerprint: "${attrs.host}"})
	h := newHarness(t, pipeline.Hooks{}, r)
	ctx := context.Background()
	attrs := map[string]any{"host": "db-1"}

	first := h.submit(t, "disk_full", attrs).Matches[0]
	if _, err := h.alerts.Acknowledge(ctx, first.AlertID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if res := h.submit(t, "disk_full", attrs).Matches[0]; res.Outcome != alert.OutcomeDuplicate || res.AlertID != first.AlertID {
		t.Fatalf("acknowledged alert did not absorb the occurrence: %+v", res)
	}
	if _, err := h.alerts.Resolve(ctx, first.AlertID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := h.alerts.Resolve(ctx, first.AlertID); !errors.Is(err, alert.ErrInvalidTransition) {
		t.Errorf("second Resolve = %v, want ErrInvalidTransition", err)
	}

	h.clk.Advance(time.Minute)
	next := h.submit(t, "disk_full", attrs).Matches[0]
	if next.Outcome != alert.OutcomeCreated || next.AlertID == first.AlertID {
		t.Fatalf("after resolve = %+v, want a new alert", next)
	}
	if next.Count != 1 {
		t.Errorf("new alert count = %d, want 1", next.Count)
	}
}

func TestSubmit_MultipleRulesMatchIndependently(t *testing.T) {
	t.Parallel()

	a := compile(t, &rule.Rule{ID: "a", Type: "login", Enabled: true})
	b := compile(t, &rule.Rule{ID: "b", Type: "login", Enabled: true, Match: map[string]any{"attrs.user": "root"}})
	h := newHarness(t, pipeline.Hooks{}, a, b)

	res := h.submit(t, "login", map[string]any{"user": "root"})
	if len(res.Matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(res.Matches))
	}
	seen := map[string]bool{}
	for _, m := range res.Matches {
		if m.Outcome != alert.OutcomeCreated {
			t.Errorf("rule %s outcome = %s", m.RuleID, m.Outcome)
		}
		seen[m.RuleID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("rules = %v", seen)
	}
}

func TestSubmit_MarksDispatchPending(t *testing.T) {
	t.Parallel()

	r := compile(t, &rule.Rule{ID: "disk", Type: "disk_full", Enabled: true})
	h := newHarness(t, pipeline.Hooks{}, r)

	res := h.submit(t, "disk_full", nil)
	h.dispatched(t)

	// the recording dispatcher never completes, so recovery would see it
	pending, err := h.store.PendingDispatches(context.Background())
	if err != nil {
		t.Fatalf("PendingDispatches: %v", err)
	}
	if len(pending) != 1 || pending[0] != res.Matches[0].AlertID {
		t.Errorf("pending = %v, want [%s]", pending, res.Matches[0].AlertID)
	}
}

func TestSubmit_ConcurrentSameFingerprint(t *testing.T) {
	t.Parallel()

	r := compile(t, &rule.Rule{ID: "disk", Type: "disk_full", Enabled: true, Fingerprint: "${attrs.host}"})
	h := newHarness(t, pipeline.Hooks{}, r)

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.p.Submit(context.Background(), event.New("", "disk_full", map[string]any{"host": "db-1"}, h.clk.Now())); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	all, _ := h.alerts.List(context.Background(), alert.Filter{})
	if len(all) != 1 {
		t.Fatalf("alerts = %d, want 1", len(all))
	}
	if all[0].Count != n {
		t.Errorf("Count = %d, want %d", all[0].Count, n)
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	t.Parallel()

	p := pipeline.New(pipeline.Deps{
		Rules:  staticRules{compile(t, &rule.Rule{ID: "r", Type: "x", Enabled: true})},
		Alerts: alert.NewService(memstore.New(), nil, nil, nil),
	}, pipeline.Config{})
	p.Start(context.Background())
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	_, err := p.Submit(context.Background(), event.New("", "x", nil, t0))
	if !errors.Is(err, pipeline.ErrStopped) {
		t.Errorf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestResetRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipeline.Hooks{}, compile(t, sshRule()))
	attrs := map[string]any{"outcome": "failure", "source": "10.0.0.1"}

	h.submit(t, "login", attrs)
	h.submit(t, "login", attrs)
	h.p.ResetRules("ssh-brute")

	if res := h.submit(t, "login", attrs); res.Matches[0].Outcome != alert.OutcomePending {
		t.Errorf("outcome after reset = %s, want pending", res.Matches[0].Outcome)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := pipeline.NewMetrics(reg)
	r := compile(t, &rule.Rule{ID: "disk", Type: "disk_full", Enabled: true})
	h := newHarness(t, m.Hooks(), r)

	h.submit(t, "disk_full", nil)
	h.submit(t, "disk_full", nil)
	h.submit(t, "other", nil)
	h.dispatched(t)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			key := f.GetName()
			for _, l := range metric.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			if c := metric.GetCounter(); c != nil {
				got[key] = c.GetValue()
			}
		}
	}

	want := map[string]float64{
		"tripwire_events_total,matched=true":                      2,
		"tripwire_events_total,matched=false":                     1,
		"tripwire_rule_matches_total,outcome=created,rule=disk":   1,
		"tripwire_rule_matches_total,outcome=duplicate,rule=disk": 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

var _ pipeline.Marker = (*memstore.Store)(nil)

var _ pipeline.Dispatcher = (*dispatch.Scheduler)(nil)
