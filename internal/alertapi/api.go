package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/authmw"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/pipeline"
)

// AlertService defines the alert operations alertapi needs.
type AlertService interface {
	Get(ctx context.Context, id string) (*alert.Alert, error)
	List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error)
	Acknowledge(ctx context.Context, id string) (*alert.Alert, error)
	Resolve(ctx context.Context, id string) (*alert.Alert, error)
}

// DeliveryService defines the delivery log operations alertapi needs.
type DeliveryService interface {
	Trace(ctx context.Context, alertID string) (*dispatch.DeliveryTrace, error)
	Audit(ctx context.Context, alertID string) ([]*dispatch.Decision, error)
	RetryFailed(ctx context.Context, alertID string) ([]*dispatch.Attempt, error)
	RetryDestination(ctx context.Context, alertID, destID string) (*dispatch.Attempt, error)
}

// Ingester accepts normalized events.
type Ingester interface {
	Submit(ctx context.Context, ev *event.Event) (*pipeline.SubmitResult, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	alerts     AlertService
	deliveries DeliveryService
	ingest     Ingester
	limiter    *clientLimiter
	clock      clock.Clock

	ingestRPS   float64
	ingestBurst int

	ingestKeys   *authmw.Keyring
	operatorKeys *authmw.Keyring
}

// Option configures an API.
type Option func(*API)

// WithIngestLimit caps POST /events per client to rps with the given burst.
// A non-positive rps disables the limit.
func WithIngestLimit(rps float64, burst int) Option {
	return func(a *API) {
		a.ingestRPS, a.ingestBurst = rps, burst
	}
}

// WithAuth requires ingest tokens on POST /events and operator tokens on
// every alert and delivery route. A nil or empty keyring leaves its routes
// open.
func WithAuth(ingest, operator *authmw.Keyring) Option {
	return func(a *API) {
		a.ingestKeys, a.operatorKeys = ingest, operator
	}
}

// WithClock sets the clock used for event arrival times and the ingest
// limiter.
func WithClock(c clock.Clock) Option {
	return func(a *API) { a.clock = c }
}

// New creates a new API handler. deliveries and ingest may be nil, in which
// case their routes answer 501.
func New(logger log.Logger, alerts AlertService, deliveries DeliveryService, ingest Ingester, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if alerts == nil {
		panic(xerrors.New("alert service is required"))
	}
	a := &API{
		logger:     logger,
		alerts:     alerts,
		deliveries: deliveries,
		ingest:     ingest,
		clock:      clock.Real{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.ingestRPS > 0 {
		a.limiter = newClientLimiter(a.ingestRPS, a.ingestBurst, a.clock)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(authmw.Require(a.ingestKeys)).Post("/events", a.handleIngestEvent)

		r.Group(func(r chi.Router) {
			r.Use(authmw.Require(a.operatorKeys))
			r.Get("/alerts", a.handleListAlerts)
			r.Route("/alerts/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetAlert)
				r.Post("/ack", a.handleAcknowledge)
				r.Post("/resolve", a.handleResolve)
				r.Get("/deliveries", a.handleDeliveries)
				r.Post("/deliveries/retry", a.handleRetryFailed)
				r.Post("/deliveries/{destination}/retry", a.handleRetryDestination)
				r.Get("/playbooks", a.handlePlaybooks)
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors to HTTP statuses. Unknown errors are logged and
// answered with 500.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, alert.ErrInvalidTransition), errors.Is(err, dispatch.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
