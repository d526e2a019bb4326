package alert

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusOpen means created and awaiting action
	StatusOpen Status = "open"

	// StatusAcknowledged means a user has taken ownership
	StatusAcknowledged Status = "acknowledged"

	// StatusResolved is terminal
	StatusResolved Status = "resolved"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return st, true
	}
	return "", false
}

// SuppressionKind names the category of window that suppressed an alert.
type SuppressionKind string

const (
	KindSilence     SuppressionKind = "silence"
	KindMaintenance SuppressionKind = "maintenance"
)

// Suppression references the window that suppressed an alert.
type Suppression struct {
	Kind SuppressionKind `json:"kind"`
	ID   string          `json:"id"`
	Name string          `json:"name"`
}

// Alert is a stateful alert instance keyed by (rule id, fingerprint).
// Alerts are never deleted; resolved is terminal but retained.
type Alert struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	Fingerprint    string         `json:"fingerprint"`
	GroupKey       string         `json:"group_key"`
	Message        string         `json:"message"`
	Severity       string         `json:"severity"`
	Status         Status         `json:"status"`
	Count          int            `json:"count"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	LastFired      time.Time      `json:"last_fired"`
	SuppressedBy   *Suppression   `json:"suppressed_by,omitempty"`
	CaseID         string         `json:"case_id,omitempty"`
	EventType      string         `json:"event_type"`
	Tags           []string       `json:"tags,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
	AcknowledgedAt time.Time      `json:"acknowledged_at,omitzero"`
	ResolvedAt     time.Time      `json:"resolved_at,omitzero"`
}

// Active reports whether the alert still accepts occurrences.
func (a *Alert) Active() bool {
	return a.Status != StatusResolved
}

// Suppressed reports whether a suppression decision is recorded.
func (a *Alert) Suppressed() bool {
	return a.SuppressedBy != nil
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Tags = slices.Clone(a.Tags)
	cp.Attrs = maps.Clone(a.Attrs)
	if a.SuppressedBy != nil {
		s := *a.SuppressedBy
		cp.SuppressedBy = &s
	}
	return &cp
}

// Lookup makes an alert a match document for silence and maintenance
// predicates: "alert.*" addresses alert fields, everything else resolves
// against the originating event attributes.
func (a *Alert) Lookup(path string) (any, bool) {
	switch path {
	case "alert.rule_id":
		return a.RuleID, true
	case "alert.severity":
		return a.Severity, a.Severity != ""
	case "alert.status":
		return string(a.Status), true
	case "alert.fingerprint":
		return a.Fingerprint, true
	case "alert.tags":
		out := make([]any, len(a.Tags))
		for i, t := range a.Tags {
			out[i] = t
		}
		return out, len(out) > 0
	case "type":
		return a.EventType, a.EventType != ""
	}
	v, ok := a.Attrs[strings.TrimPrefix(path, "attrs.")]
	return v, ok
}

// Filter selects alerts for listing.
type Filter struct {
	Status   Status
	Severity string
	RuleID   string
	// Suppressed is applied by the Service after suppression is
	// re-evaluated. Stores ignore it.
	Suppressed SuppressedFilter
	Limit      int
	// Offset skips that many matching alerts in newest-first order.
	Offset int
}

// SuppressedFilter controls whether suppressed alerts are listed.
type SuppressedFilter string

const (
	SuppressedExclude SuppressedFilter = ""
	SuppressedInclude SuppressedFilter = "include"
	SuppressedOnly    SuppressedFilter = "only"
)

// Matches reports whether a satisfies the store-level part of the filter.
func (f Filter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	return true
}

func (f Filter) admits(a *Alert) bool {
	switch f.Suppressed {
	case SuppressedInclude:
		return true
	case SuppressedOnly:
		return a.Suppressed()
	default:
		return !a.Suppressed()
	}
}
