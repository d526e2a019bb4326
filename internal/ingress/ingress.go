// Package ingress feeds events from message transports into the pipeline.
// Every transport normalizes the raw document and waits for Submit to
// return before acknowledging the message, so delivery into the pipeline is
// at least once.
package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/pipeline"
)

// Submitter accepts normalized events. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, ev *event.Event) (*pipeline.SubmitResult, error)
}

// Result labels for the ingest hook.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Hooks receive ingest events. Nil fields are skipped.
type Hooks struct {
	OnMessage func(transport, result string)
}

// errRejected wraps documents that can never be ingested. Transports
// acknowledge them so a poison message does not stall the stream.
type errRejected struct{ err error }

func (e *errRejected) Error() string { return "rejected: " + e.err.Error() }
func (e *errRejected) Unwrap() error { return e.err }

// Rejected reports whether err came from an unusable document.
func Rejected(err error) bool {
	var r *errRejected
	return errors.As(err, &r)
}

type handler struct {
	transport string
	sub       Submitter
	clock     clock.Clock
	hooks     Hooks
}

func (h *handler) handle(ctx context.Context, raw []byte) (*pipeline.SubmitResult, error) {
	ev, err := event.Normalize(raw, h.clock.Now())
	if err != nil {
		h.observe(ResultRejected)
		return nil, &errRejected{err: err}
	}
	res, err := h.sub.Submit(ctx, ev)
	if err != nil {
		h.observe(ResultFailed)
		return nil, fmt.Errorf("submit event %s: %w", ev.ID, err)
	}
	h.observe(ResultAccepted)
	return res, nil
}

func (h *handler) observe(result string) {
	if h.hooks.OnMessage != nil {
		h.hooks.OnMessage(h.transport, result)
	}
}

// Metrics holds Prometheus metrics for ingress transports.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
}

// NewMetrics registers and returns ingress metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_ingest_messages_total",
			Help: "Messages received by transport and result.",
		}, []string{"transport", "result"}),
	}
	reg.MustRegister(m.MessagesTotal)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnMessage: func(transport, result string) {
			m.MessagesTotal.WithLabelValues(transport, result).Inc()
		},
	}
}
