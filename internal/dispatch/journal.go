package dispatch

import (
	"context"
	"time"

	"github.com/linnemanlabs/tripwire/internal/playbook"
)

// AttemptStatus is the state of one delivery attempt.
type AttemptStatus string

const (
	// AttemptPending is written before the external call starts.
	AttemptPending AttemptStatus = "pending"

	// AttemptSent means the destination accepted the request (HTTP 202)
	// without confirming delivery.
	AttemptSent AttemptStatus = "sent"

	// AttemptSuccess means the destination confirmed delivery.
	AttemptSuccess AttemptStatus = "success"

	// AttemptFailed is terminal until a manual retry.
	AttemptFailed AttemptStatus = "failed"

	// AttemptRetryScheduled means the attempt failed and the next one is
	// queued at NextRetryAt.
	AttemptRetryScheduled AttemptStatus = "retry_scheduled"
)

// Attempt is one row of the delivery log. Every attempt, retries included,
// gets its own row; Attempt numbers increase per (alert, destination).
type Attempt struct {
	ID          string        `json:"id"`
	AlertID     string        `json:"alert_id"`
	Destination string        `json:"destination"`
	Status      AttemptStatus `json:"status"`
	HTTPStatus  int           `json:"http_status,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempt     int           `json:"attempt"`
	Try         int           `json:"try"`
	Manual      bool          `json:"manual,omitempty"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	SentAt      time.Time     `json:"sent_at,omitzero"`
	NextRetryAt time.Time     `json:"next_retry_at,omitzero"`
}

// Outcome is what happened when a binding was evaluated for an alert.
type Outcome string

const (
	OutcomeSuggested  Outcome = "suggested"
	OutcomeDryRun     Outcome = "dry_run"
	OutcomeExecuted   Outcome = "executed"
	OutcomeFailed     Outcome = "failed"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeCanceled   Outcome = "canceled"
)

// Decision is the audit record of one binding evaluation. BindingID is empty
// for alert-level decisions that no binding was involved in.
type Decision struct {
	ID         string        `json:"id"`
	AlertID    string        `json:"alert_id"`
	BindingID  string        `json:"binding_id,omitempty"`
	PlaybookID string        `json:"playbook_id,omitempty"`
	Mode       playbook.Mode `json:"mode,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Retry is a durable queue entry polled by Scheduler.Run.
type Retry struct {
	AlertID     string    `json:"alert_id"`
	Destination string    `json:"destination"`
	Attempt     int       `json:"attempt"`
	Try         int       `json:"try"`
	Manual      bool      `json:"manual"`
	FireAt      time.Time `json:"fire_at"`
}

// State is the dispatch-state marker used for crash recovery.
type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
)

// Journal is the persistence interface for the delivery log, the binding
// audit, the retry queue and the dispatch-state markers.
type Journal interface {
	// PutAttempt inserts or updates an attempt row by ID.
	PutAttempt(ctx context.Context, a *Attempt) error
	// Attempts returns an alert's attempts ordered by destination then
	// attempt number.
	Attempts(ctx context.Context, alertID string) ([]*Attempt, error)

	AppendDecision(ctx context.Context, d *Decision) error
	// Decisions returns an alert's decisions in the order they were made.
	Decisions(ctx context.Context, alertID string) ([]*Decision, error)

	// ScheduleRetry queues a retry, replacing any queued for the same
	// (alert, destination).
	ScheduleRetry(ctx context.Context, r *Retry) error
	// DueRetries returns up to limit entries with FireAt <= now, oldest first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*Retry, error)
	// ClaimRetry removes the queued retry for (alert, destination) if it
	// still carries the given attempt number, and reports whether it did.
	ClaimRetry(ctx context.Context, alertID, destination string, attempt int) (bool, error)
	// StrandedAttempts returns up to limit attempts that are the latest for
	// their (alert, destination), are still pending or retry_scheduled, have
	// no queued retry, and went stale before cutoff. A pending row is stale by
	// ScheduledAt, a retry_scheduled row by NextRetryAt.
	StrandedAttempts(ctx context.Context, cutoff time.Time, limit int) ([]*Attempt, error)

	MarkDispatch(ctx context.Context, alertID string, state State, at time.Time) error
	// PendingDispatches returns alert ids whose marker is still pending.
	PendingDispatches(ctx context.Context) ([]string, error)
}
