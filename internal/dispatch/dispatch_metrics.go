package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hooks receive dispatch events. Nil fields are skipped.
type Hooks struct {
	OnDecision func(d *Decision)
	OnAttempt  func(a *Attempt, destType string, elapsed time.Duration)
	OnRetryDue func(n int)
}

// Metrics holds Prometheus metrics for the dispatch subsystem.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	AttemptsTotal     *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	RetriesDueTotal   prometheus.Counter
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_dispatch_decisions_total",
			Help: "Playbook binding decisions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_playbook_execution_duration_seconds",
			Help:    "Duration of playbook executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"playbook", "mode"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_delivery_attempts_total",
			Help: "Notification delivery attempts by destination type and status.",
		}, []string{"type", "status"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_delivery_duration_seconds",
			Help:    "Duration of notification deliveries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"type"}),
		RetriesDueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripwire_delivery_retries_due_total",
			Help: "Retry queue entries picked up by the scheduler.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.ExecutionDuration,
		m.AttemptsTotal,
		m.DeliveryDuration,
		m.RetriesDueTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDecision: func(d *Decision) {
			m.DecisionsTotal.WithLabelValues(string(d.Mode), string(d.Outcome)).Inc()
			if d.Outcome == OutcomeExecuted || d.Outcome == OutcomeDryRun || d.Outcome == OutcomeFailed {
				m.ExecutionDuration.WithLabelValues(d.PlaybookID, string(d.Mode)).Observe(float64(d.DurationMS) / 1000)
			}
		},
		OnAttempt: func(a *Attempt, destType string, elapsed time.Duration) {
			m.AttemptsTotal.WithLabelValues(destType, string(a.Status)).Inc()
			m.DeliveryDuration.WithLabelValues(destType).Observe(elapsed.Seconds())
		},
		OnRetryDue: func(n int) {
			m.RetriesDueTotal.Add(float64(n))
		},
	}
}
