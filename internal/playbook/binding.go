package playbook

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/ratelimit"
)

// Binding maps alerts to a playbook with its own mode and caps. An empty
// RuleID applies to every rule.
type Binding struct {
	ID         string   `yaml:"id" json:"id"`
	RuleID     string   `yaml:"rule_id" json:"rule_id,omitempty"`
	PlaybookID string   `yaml:"playbook_id" json:"playbook_id"`
	Mode       Mode     `yaml:"mode" json:"mode"`
	Types      []string `yaml:"types" json:"types,omitempty"`
	Severities []string `yaml:"severities" json:"severities,omitempty"`
	Tags       []string `yaml:"tags" json:"tags,omitempty"`
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Priority   int      `yaml:"priority" json:"priority"`

	ratelimit.Limits `yaml:",inline"`
}

// Validate rejects bindings the dispatcher could not act on.
func (b *Binding) Validate() error {
	var errs []error
	if strings.TrimSpace(b.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if b.PlaybookID == "" {
		errs = append(errs, errors.New("playbook_id is required"))
	}
	if b.Mode == "" {
		b.Mode = ModeSuggest
	}
	if !b.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", b.Mode))
	}
	if b.PerMinute < 0 || b.MaxConcurrent < 0 || b.DailyQuota < 0 {
		errs = append(errs, errors.New("caps must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("binding %q: %w", b.ID, errors.Join(errs...))
	}
	return nil
}

// Applies reports whether the binding's filters include a. Each non-empty
// filter list must contain the alert's value; tags match on any overlap.
func (b *Binding) Applies(a *alert.Alert) bool {
	if !b.Enabled {
		return false
	}
	if b.RuleID != "" && b.RuleID != a.RuleID {
		return false
	}
	if len(b.Types) > 0 && !slices.Contains(b.Types, a.EventType) {
		return false
	}
	if len(b.Severities) > 0 && !slices.Contains(b.Severities, a.Severity) {
		return false
	}
	if len(b.Tags) > 0 && !slices.ContainsFunc(b.Tags, func(t string) bool {
		return slices.Contains(a.Tags, t)
	}) {
		return false
	}
	return true
}

// Select returns the bindings that apply to a in evaluation order:
// rule-specific bindings before wildcard ones, then by ascending priority,
// then by id.
func Select(bindings []*Binding, a *alert.Alert) []*Binding {
	var out []*Binding
	for _, b := range bindings {
		if b.Applies(a) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := out[i], out[j]
		if (bi.RuleID != "") != (bj.RuleID != "") {
			return bi.RuleID != ""
		}
		if bi.Priority != bj.Priority {
			return bi.Priority < bj.Priority
		}
		return bi.ID < bj.ID
	})
	return out
}
