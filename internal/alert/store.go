package alert

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an alert id does not exist.
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence interface for alerts. Several processes may share
// one store, so every write that depends on current state is conditional on
// it in the store itself.
type Store interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)
	// GetByFingerprint returns the most recently created alert for the
	// (rule id, fingerprint) pair, whatever its status.
	GetByFingerprint(ctx context.Context, ruleID, fingerprint string) (*Alert, bool, error)
	// Create inserts a new alert unless an active alert already exists for
	// its (rule id, fingerprint), and reports whether it inserted.
	Create(ctx context.Context, a *Alert) (bool, error)
	// Increment adds n occurrences to an active alert and advances LastSeen
	// to seenAt, returning the updated alert. It reports false when the
	// alert is missing or resolved.
	Increment(ctx context.Context, id string, n int, seenAt time.Time) (*Alert, bool, error)
	// SetSuppression records the suppression decision for an alert.
	SetSuppression(ctx context.Context, id string, sup *Suppression) error
	// SetStatus moves an alert from one status to another, stamping the
	// acknowledged or resolved time with at. It reports false when the
	// alert is missing or no longer in from.
	SetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	// List returns alerts matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Alert, error)
}
