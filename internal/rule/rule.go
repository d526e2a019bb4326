// Package rule holds rule definitions and the pure matcher that evaluates them
// against normalized events. Predicates and templates are compiled once when a
// rule enters the catalog so matching itself can never fail.
package rule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// DefaultGroupKey is the group key used when a rule declares no group_by.
const DefaultGroupKey = "*"

// Rule is a declarative detection rule. Definitions are read-only to the
// engine; only Enabled and Mute may change while alerts reference a rule.
type Rule struct {
	ID              string         `yaml:"id" json:"id"`
	Name            string         `yaml:"name" json:"name"`
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	Type            string         `yaml:"type" json:"type"`
	Match           map[string]any `yaml:"match" json:"match,omitempty"`
	Window          time.Duration  `yaml:"window" json:"window"`
	Threshold       int            `yaml:"threshold" json:"threshold"`
	GroupBy         string         `yaml:"group_by" json:"group_by,omitempty"`
	Message         string         `yaml:"message" json:"message"`
	Severity        string         `yaml:"severity" json:"severity"`
	Mute            time.Duration  `yaml:"mute" json:"mute,omitempty"`
	MuteSeconds     int            `yaml:"mute_seconds" json:"-"`
	Fingerprint     string         `yaml:"fingerprint" json:"fingerprint"`
	CorrelationKeys []string       `yaml:"correlation_keys" json:"correlation_keys,omitempty"`
	Tags            []string       `yaml:"tags" json:"tags,omitempty"`
	Destinations    []string       `yaml:"destinations" json:"destinations,omitempty"`

	predicate   Predicate
	fingerprint *Template
	message     *Template
}

// Compile validates the rule and builds its predicate and templates. A rule
// that fails to compile must never reach the matcher.
func (r *Rule) Compile() error {
	var errs []error

	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if r.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if r.Threshold == 0 {
		r.Threshold = 1
	}
	if r.Threshold < 0 {
		errs = append(errs, fmt.Errorf("threshold %d must be positive", r.Threshold))
	}
	if r.Window < 0 {
		errs = append(errs, fmt.Errorf("window %s must not be negative", r.Window))
	}
	if r.Threshold > 1 && r.Window == 0 {
		errs = append(errs, fmt.Errorf("threshold %d requires a window", r.Threshold))
	}
	if r.Mute == 0 && r.MuteSeconds > 0 {
		r.Mute = time.Duration(r.MuteSeconds) * time.Second
	}
	if r.Mute < 0 {
		errs = append(errs, fmt.Errorf("mute %s must not be negative", r.Mute))
	}

	pred, err := CompilePredicate(r.Match)
	if err != nil {
		errs = append(errs, fmt.Errorf("match: %w", err))
	}
	fp, err := ParseTemplate(r.Fingerprint)
	if err != nil {
		errs = append(errs, fmt.Errorf("fingerprint: %w", err))
	}
	msg, err := ParseTemplate(r.Message)
	if err != nil {
		errs = append(errs, fmt.Errorf("message: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("rule %q: %w", r.ID, errors.Join(errs...))
	}

	r.predicate = pred
	r.fingerprint = fp
	r.message = msg
	return nil
}

// Matches reports whether ev satisfies the rule: the rule is enabled and
// compiled, the event carries the declared type and every field test passes.
func (r *Rule) Matches(ev *event.Event) bool {
	if !r.Enabled || r.predicate == nil {
		return false
	}
	if ev.Type == "" || ev.Type != r.Type {
		return false
	}
	return r.predicate.Eval(ev)
}

// GroupKey returns the correlation group key for ev.
func (r *Rule) GroupKey(ev *event.Event) string {
	if r.GroupBy == "" {
		return DefaultGroupKey
	}
	v, ok := ev.Lookup(r.GroupBy)
	if !ok {
		return ""
	}
	return format(v)
}

// FingerprintOf renders the dedup fingerprint for ev. Without a template the
// correlation keys are joined, and without those the group key is used.
func (r *Rule) FingerprintOf(ev *event.Event) string {
	if !r.fingerprint.Empty() {
		return r.fingerprint.Render(ev)
	}
	if len(r.CorrelationKeys) > 0 {
		vals := make([]string, len(r.CorrelationKeys))
		for i, k := range r.CorrelationKeys {
			if v, ok := ev.Lookup(k); ok {
				vals[i] = format(v)
			}
		}
		return strings.Join(vals, "|")
	}
	return r.GroupKey(ev)
}

// MessageOf renders the alert message for ev, falling back to the rule name.
func (r *Rule) MessageOf(ev *event.Event) string {
	if r.message.Empty() {
		return r.Name
	}
	return r.message.Render(ev)
}

// CorrelationValues resolves the rule's correlation key paths against ev.
// Unresolved keys are omitted.
func (r *Rule) CorrelationValues(ev *event.Event) map[string]string {
	if len(r.CorrelationKeys) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.CorrelationKeys))
	for _, k := range r.CorrelationKeys {
		if v, ok := ev.Lookup(k); ok {
			out[k] = format(v)
		}
	}
	return out
}

// Match returns the rules, in input order, that ev satisfies. It has no side
// effects; unmatched events are simply dropped by the caller.
func Match(ev *event.Event, rules []*Rule) []*Rule {
	var out []*Rule
	for _, r := range rules {
		if r.Matches(ev) {
			out = append(out, r)
		}
	}
	return out
}
