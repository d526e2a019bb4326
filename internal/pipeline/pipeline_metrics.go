package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/alert"
)

// Hooks receive pipeline events. Nil fields are skipped.
type Hooks struct {
	OnEvent           func(matched bool)
	OnMatch           func(ruleID string, outcome alert.Outcome)
	OnDispatchQueued  func(depth int)
	OnDispatchDropped func()
	OnSweep           func(removed, remaining int)
}

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	MatchesTotal      *prometheus.CounterVec
	DispatchQueue     prometheus.Gauge
	DispatchDropped   prometheus.Counter
	CorrelationGroups prometheus.Gauge
	GroupsSwept       prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_events_total",
			Help: "Events submitted to the pipeline by whether any rule matched.",
		}, []string{"matched"}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_rule_matches_total",
			Help: "Rule matches by rule and alert outcome.",
		}, []string{"rule", "outcome"}),
		DispatchQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_dispatch_queue_depth",
			Help: "Alerts waiting for a dispatch worker.",
		}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripwire_dispatch_deferred_total",
			Help: "Alerts left for recovery because the dispatch queue was full.",
		}),
		CorrelationGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_correlation_groups",
			Help: "Correlation groups currently tracked.",
		}),
		GroupsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripwire_correlation_groups_swept_total",
			Help: "Idle correlation groups removed by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.MatchesTotal,
		m.DispatchQueue,
		m.DispatchDropped,
		m.CorrelationGroups,
		m.GroupsSwept,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvent: func(matched bool) {
			if matched {
				m.EventsTotal.WithLabelValues("true").Inc()
				return
			}
			m.EventsTotal.WithLabelValues("false").Inc()
		},
		OnMatch: func(ruleID string, outcome alert.Outcome) {
			m.MatchesTotal.WithLabelValues(ruleID, string(outcome)).Inc()
		},
		OnDispatchQueued: func(depth int) {
			m.DispatchQueue.Set(float64(depth))
		},
		OnDispatchDropped: func() {
			m.DispatchDropped.Inc()
		},
		OnSweep: func(removed, remaining int) {
			m.GroupsSwept.Add(float64(removed))
			m.CorrelationGroups.Set(float64(remaining))
		},
	}
}
