package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/tripwire/internal/dispatch"
)

// alertFor answers 404 for unknown alerts so delivery routes do not return
// empty histories for ids that never existed.
func (a *API) alertFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if a.deliveries == nil {
		writeError(w, http.StatusNotImplemented, "dispatch not configured")
		return "", false
	}
	if _, err := a.alerts.Get(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to get alert", "id", id)
		return "", false
	}
	return id, true
}

func (a *API) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := a.alertFor(w, r)
	if !ok {
		return
	}
	tr, err := a.deliveries.Trace(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to load delivery trace", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (a *API) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	id, ok := a.alertFor(w, r)
	if !ok {
		return
	}
	ds, err := a.deliveries.Audit(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to load playbook audit", "id", id)
		return
	}
	if ds == nil {
		ds = []*dispatch.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert_id": id, "decisions": ds})
}

func (a *API) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := a.alertFor(w, r)
	if !ok {
		return
	}
	attempts, err := a.deliveries.RetryFailed(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "manual retry failed", "id", id)
		return
	}
	a.logger.Info(r.Context(), "manual retry", "id", id, "destinations", len(attempts))
	writeJSON(w, http.StatusOK, map[string]any{"alert_id": id, "attempts": attempts})
}

func (a *API) handleRetryDestination(w http.ResponseWriter, r *http.Request) {
	id, ok := a.alertFor(w, r)
	if !ok {
		return
	}
	dest := chi.URLParam(r, "destination")
	at, err := a.deliveries.RetryDestination(r.Context(), id, dest)
	if err != nil {
		a.fail(w, r, err, "manual retry failed", "id", id, "destination", dest)
		return
	}
	a.logger.Info(r.Context(), "manual retry", "id", id, "destination", dest, "status", at.Status)
	writeJSON(w, http.StatusOK, at)
}
