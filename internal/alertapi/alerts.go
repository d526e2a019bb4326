package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/alert"
)

const maxListLimit = 1000

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{
		Severity: q.Get("severity"),
		RuleID:   q.Get("rule_id"),
		Limit:    100,
	}

	if s := q.Get("status"); s != "" {
		st, ok := alert.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		f.Status = st
	}

	switch s := alert.SuppressedFilter(q.Get("suppressed")); s {
	case alert.SuppressedExclude, alert.SuppressedInclude, alert.SuppressedOnly:
		f.Suppressed = s
	default:
		writeError(w, http.StatusBadRequest, "suppressed must be include or only")
		return
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	alerts, err := a.alerts.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*alert.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("tripwire.alert.id", id))

	al, err := a.alerts.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get alert", "id", id)
		return
	}

	span.SetAttributes(attribute.String("tripwire.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	al, err := a.alerts.Acknowledge(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to acknowledge alert", "id", id)
		return
	}
	a.logger.Info(r.Context(), "alert acknowledged", "id", id)
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	al, err := a.alerts.Resolve(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to resolve alert", "id", id)
		return
	}
	a.logger.Info(r.Context(), "alert resolved", "id", id, "count", al.Count)
	writeJSON(w, http.StatusOK, al)
}
