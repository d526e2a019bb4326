// Package pgstore provides a PostgreSQL implementation of alert.Store and
// dispatch.Journal.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
	"github.com/linnemanlabs/tripwire/internal/playbook"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts and the dispatch journal in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

const alertColumns = `id, rule_id, fingerprint, group_key, message, severity, status, count,
	first_seen, last_seen, last_fired, suppressed_by, case_id, event_type, tags, attrs,
	acknowledged_at, resolved_at`

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// GetByFingerprint retrieves the most recently created alert for a rule and
// fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, ruleID, fingerprint string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE rule_id = $1 AND fingerprint = $2
		ORDER BY first_seen DESC, id DESC LIMIT 1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, ruleID, fingerprint))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

func marshalSuppression(sup *alert.Suppression) ([]byte, error) {
	if sup == nil {
		return nil, nil
	}
	b, err := json.Marshal(sup)
	if err != nil {
		return nil, fmt.Errorf("marshal suppressed_by: %w", err)
	}
	return b, nil
}

// Create inserts a new alert. The partial unique index on active
// (rule_id, fingerprint) pairs turns a concurrent second insert into a
// no-op, reported as false.
func (s *Store) Create(ctx context.Context, a *alert.Alert) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	suppressed, err := marshalSuppression(a.SuppressedBy)
	if err != nil {
		return false, fail(span, err)
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fail(span, fmt.Errorf("marshal tags: %w", err))
	}
	attrs := a.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return false, fail(span, fmt.Errorf("marshal attrs: %w", err))
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO alerts (`+alertColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	ON CONFLICT (rule_id, fingerprint) WHERE status <> 'resolved' DO NOTHING`,
		a.ID, a.RuleID, a.Fingerprint, a.GroupKey, a.Message, a.Severity, string(a.Status), a.Count,
		a.FirstSeen, a.LastSeen, a.LastFired, suppressed, a.CaseID, a.EventType, tagsJSON, attrsJSON,
		nullTime(a.AcknowledgedAt), nullTime(a.ResolvedAt),
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("insert alert: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// Increment adds n to an active alert's count in a single statement, so
// concurrent writers never lose an occurrence.
func (s *Store) Increment(ctx context.Context, id string, n int, seenAt time.Time) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Increment", "UPDATE")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `UPDATE alerts
		SET count = count + $2, last_seen = GREATEST(last_seen, $3)
		WHERE id = $1 AND status <> 'resolved'
		RETURNING `+alertColumns, id, n, seenAt))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("increment alert: %w", err))
	}
	return a, a != nil, nil
}

// SetSuppression records the suppression decision for an alert.
func (s *Store) SetSuppression(ctx context.Context, id string, sup *alert.Suppression) error {
	ctx, span := startSpan(ctx, "pgstore.SetSuppression", "UPDATE")
	defer span.End()

	b, err := marshalSuppression(sup)
	if err != nil {
		return fail(span, err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE alerts SET suppressed_by = $2 WHERE id = $1`, id, b); err != nil {
		return fail(span, fmt.Errorf("set suppression: %w", err))
	}
	return nil
}

// SetStatus moves an alert from one status to another only if it is still
// in from.
func (s *Store) SetStatus(ctx context.Context, id string, from, to alert.Status, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.SetStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET
		status          = $3::text,
		acknowledged_at = CASE WHEN $3::text = 'acknowledged' THEN $4::timestamptz ELSE acknowledged_at END,
		resolved_at     = CASE WHEN $3::text = 'resolved' THEN $4::timestamptz ELSE resolved_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return false, fail(span, fmt.Errorf("set status: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// List returns alerts matching the filter, newest first.
func (s *Store) List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		args = append(args, v)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", f.Severity)
	}
	if f.RuleID != "" {
		add("rule_id", f.RuleID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY first_seen DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// scanAlert scans one alert row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a                   alert.Alert
		status              string
		suppressed          []byte
		tags, attrs         []byte
		ackedAt, resolvedAt *time.Time
	)
	err := row.Scan(
		&a.ID, &a.RuleID, &a.Fingerprint, &a.GroupKey, &a.Message, &a.Severity, &status, &a.Count,
		&a.FirstSeen, &a.LastSeen, &a.LastFired, &suppressed, &a.CaseID, &a.EventType, &tags, &attrs,
		&ackedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.Status = alert.Status(status)
	a.AcknowledgedAt = fromNull(ackedAt)
	a.ResolvedAt = fromNull(resolvedAt)
	a.FirstSeen, a.LastSeen, a.LastFired = a.FirstSeen.UTC(), a.LastSeen.UTC(), a.LastFired.UTC()

	if len(suppressed) > 0 {
		a.SuppressedBy = &alert.Suppression{}
		if err := json.Unmarshal(suppressed, a.SuppressedBy); err != nil {
			return nil, fmt.Errorf("unmarshal suppressed_by: %w", err)
		}
	}
	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(a.Tags) == 0 {
		a.Tags = nil
	}
	if err := json.Unmarshal(attrs, &a.Attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attrs: %w", err)
	}
	return &a, nil
}

const attemptColumns = `id, alert_id, destination, status, http_status, error, attempt, try,
	manual, scheduled_at, sent_at, next_retry_at`

// PutAttempt inserts or updates an attempt row.
func (s *Store) PutAttempt(ctx context.Context, at *dispatch.Attempt) error {
	ctx, span := startSpan(ctx, "pgstore.PutAttempt", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO delivery_attempts (`+attemptColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		status        = EXCLUDED.status,
		http_status   = EXCLUDED.http_status,
		error         = EXCLUDED.error,
		sent_at       = EXCLUDED.sent_at,
		next_retry_at = EXCLUDED.next_retry_at`,
		at.ID, at.AlertID, at.Destination, string(at.Status), at.HTTPStatus, at.Error, at.Attempt, at.Try,
		at.Manual, at.ScheduledAt, nullTime(at.SentAt), nullTime(at.NextRetryAt),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert attempt: %w", err))
	}
	return nil
}

// Attempts returns an alert's attempts ordered by destination then attempt.
func (s *Store) Attempts(ctx context.Context, alertID string) ([]*dispatch.Attempt, error) {
	ctx, span := startSpan(ctx, "pgstore.Attempts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE alert_id = $1 ORDER BY destination, attempt`, alertID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query attempts: %w", err))
	}
	out, err := collectAttempts(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func collectAttempts(rows pgx.Rows) ([]*dispatch.Attempt, error) {
	defer rows.Close()

	var out []*dispatch.Attempt
	for rows.Next() {
		var (
			at             dispatch.Attempt
			status         string
			sentAt, nextAt *time.Time
		)
		if err := rows.Scan(
			&at.ID, &at.AlertID, &at.Destination, &status, &at.HTTPStatus, &at.Error, &at.Attempt, &at.Try,
			&at.Manual, &at.ScheduledAt, &sentAt, &nextAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		at.Status = dispatch.AttemptStatus(status)
		at.ScheduledAt = at.ScheduledAt.UTC()
		at.SentAt = fromNull(sentAt)
		at.NextRetryAt = fromNull(nextAt)
		out = append(out, &at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// AppendDecision inserts a binding decision.
func (s *Store) AppendDecision(ctx context.Context, d *dispatch.Decision) error {
	ctx, span := startSpan(ctx, "pgstore.AppendDecision", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO binding_decisions
		(id, alert_id, binding_id, playbook_id, mode, outcome, reason, output, error, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.AlertID, d.BindingID, d.PlaybookID, string(d.Mode), string(d.Outcome),
		d.Reason, d.Output, d.Error, d.DurationMS, d.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert decision: %w", err))
	}
	return nil
}

// Decisions returns an alert's decisions in insertion order.
func (s *Store) Decisions(ctx context.Context, alertID string) ([]*dispatch.Decision, error) {
	ctx, span := startSpan(ctx, "pgstore.Decisions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, alert_id, binding_id, playbook_id, mode, outcome,
		reason, output, error, duration_ms, created_at
		FROM binding_decisions WHERE alert_id = $1 ORDER BY seq`, alertID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query decisions: %w", err))
	}
	defer rows.Close()

	out := []*dispatch.Decision{}
	for rows.Next() {
		var (
			d             dispatch.Decision
			mode, outcome string
		)
		if err := rows.Scan(&d.ID, &d.AlertID, &d.BindingID, &d.PlaybookID, &mode, &outcome,
			&d.Reason, &d.Output, &d.Error, &d.DurationMS, &d.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan decision: %w", err))
		}
		d.Mode = playbook.Mode(mode)
		d.Outcome = dispatch.Outcome(outcome)
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate decisions: %w", err))
	}
	return out, nil
}

// ScheduleRetry queues a retry, replacing any for the same destination.
func (s *Store) ScheduleRetry(ctx context.Context, r *dispatch.Retry) error {
	ctx, span := startSpan(ctx, "pgstore.ScheduleRetry", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO retry_queue (alert_id, destination, attempt, try, manual, fire_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (alert_id, destination) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			try     = EXCLUDED.try,
			manual  = EXCLUDED.manual,
			fire_at = EXCLUDED.fire_at`,
		r.AlertID, r.Destination, r.Attempt, r.Try, r.Manual, r.FireAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("schedule retry: %w", err))
	}
	return nil
}

// DueRetries returns up to limit retries due at now, oldest first.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*dispatch.Retry, error) {
	ctx, span := startSpan(ctx, "pgstore.DueRetries", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT alert_id, destination, attempt, try, manual, fire_at
		FROM retry_queue WHERE fire_at <= $1
		ORDER BY fire_at, alert_id, destination LIMIT $2`, now, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query retries: %w", err))
	}
	defer rows.Close()

	var out []*dispatch.Retry
	for rows.Next() {
		var r dispatch.Retry
		if err := rows.Scan(&r.AlertID, &r.Destination, &r.Attempt, &r.Try, &r.Manual, &r.FireAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan retry: %w", err))
		}
		r.FireAt = r.FireAt.UTC()
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate retries: %w", err))
	}
	return out, nil
}

// ClaimRetry deletes the queued retry if it still carries attempt. Only one
// concurrent caller sees the row deleted.
func (s *Store) ClaimRetry(ctx context.Context, alertID, destination string, attempt int) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ClaimRetry", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM retry_queue
		WHERE alert_id = $1 AND destination = $2 AND attempt = $3`, alertID, destination, attempt)
	if err != nil {
		return false, fail(span, fmt.Errorf("claim retry: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// StrandedAttempts returns latest attempts left pending or retry_scheduled
// before cutoff with nothing queued, oldest first.
func (s *Store) StrandedAttempts(ctx context.Context, cutoff time.Time, limit int) ([]*dispatch.Attempt, error) {
	ctx, span := startSpan(ctx, "pgstore.StrandedAttempts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts a
		WHERE a.status IN ('pending', 'retry_scheduled')
		  AND CASE a.status WHEN 'pending' THEN a.scheduled_at ELSE a.next_retry_at END < $1
		  AND NOT EXISTS (SELECT 1 FROM delivery_attempts b
			WHERE b.alert_id = a.alert_id AND b.destination = a.destination AND b.attempt > a.attempt)
		  AND NOT EXISTS (SELECT 1 FROM retry_queue q
			WHERE q.alert_id = a.alert_id AND q.destination = a.destination)
		ORDER BY CASE a.status WHEN 'pending' THEN a.scheduled_at ELSE a.next_retry_at END, a.id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query stranded attempts: %w", err))
	}
	out, err := collectAttempts(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// MarkDispatch sets the dispatch-state marker for an alert.
func (s *Store) MarkDispatch(ctx context.Context, alertID string, state dispatch.State, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.MarkDispatch", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO dispatch_state (alert_id, state, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (alert_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		alertID, string(state), at)
	if err != nil {
		return fail(span, fmt.Errorf("mark dispatch: %w", err))
	}
	return nil
}

// PendingDispatches returns alert ids whose marker is pending.
func (s *Store) PendingDispatches(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "pgstore.PendingDispatches", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT alert_id FROM dispatch_state
		WHERE state = 'pending' ORDER BY alert_id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query pending dispatches: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect pending dispatches: %w", err))
	}
	return ids, nil
}
