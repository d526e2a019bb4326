// Package suppress evaluates alerts against silence and maintenance windows.
package suppress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/rule"
)

// Window is a time-bounded predicate. Silences and maintenance windows share
// the shape; Kind says which list a window came from.
type Window struct {
	ID        string                `yaml:"id" json:"id"`
	Name      string                `yaml:"name" json:"name"`
	Kind      alert.SuppressionKind `yaml:"-" json:"kind"`
	Match     map[string]any        `yaml:"match" json:"match,omitempty"`
	StartsAt  time.Time             `yaml:"starts_at" json:"starts_at"`
	EndsAt    time.Time             `yaml:"ends_at" json:"ends_at"`
	Reason    string                `yaml:"reason" json:"reason,omitempty"`
	CreatedBy string                `yaml:"created_by" json:"created_by,omitempty"`

	predicate rule.Predicate
}

// Compile validates the window and builds its predicate.
func (w *Window) Compile() error {
	var errs []error
	if strings.TrimSpace(w.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if w.StartsAt.IsZero() || w.EndsAt.IsZero() {
		errs = append(errs, errors.New("starts_at and ends_at are required"))
	} else if w.EndsAt.Before(w.StartsAt) {
		errs = append(errs, fmt.Errorf("ends_at %s is before starts_at %s", w.EndsAt, w.StartsAt))
	}
	pred, err := rule.CompilePredicate(w.Match)
	if err != nil {
		errs = append(errs, fmt.Errorf("match: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s %q: %w", w.Kind, w.ID, errors.Join(errs...))
	}
	w.predicate = pred
	return nil
}

// ActiveAt reports whether now falls inside [StartsAt, EndsAt].
func (w *Window) ActiveAt(now time.Time) bool {
	return !now.Before(w.StartsAt) && !now.After(w.EndsAt)
}

// Matches reports whether the window is active at now and its predicate
// accepts the alert. Uncompiled windows never match.
func (w *Window) Matches(a *alert.Alert, now time.Time) bool {
	return w.predicate != nil && w.ActiveAt(now) && w.predicate.Eval(a)
}

// Source supplies the current windows. The catalog implements it.
type Source interface {
	Silences() []*Window
	Maintenances() []*Window
}

// Evaluator implements alert.Suppressor over a Source.
type Evaluator struct {
	src Source
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(src Source) *Evaluator {
	return &Evaluator{src: src}
}

// Evaluate returns the first active window matching a, checking silences
// before maintenance windows, or nil.
func (e *Evaluator) Evaluate(a *alert.Alert, now time.Time) *alert.Suppression {
	if w := first(e.src.Silences(), a, now); w != nil {
		return &alert.Suppression{Kind: alert.KindSilence, ID: w.ID, Name: w.Name}
	}
	if w := first(e.src.Maintenances(), a, now); w != nil {
		return &alert.Suppression{Kind: alert.KindMaintenance, ID: w.ID, Name: w.Name}
	}
	return nil
}

func first(ws []*Window, a *alert.Alert, now time.Time) *Window {
	for _, w := range ws {
		if w.Matches(a, now) {
			return w
		}
	}
	return nil
}

// Static is a fixed Source, handy for tests and single-shot tooling.
type Static struct {
	Silence     []*Window
	Maintenance []*Window
}

// Silences implements Source.
func (s Static) Silences() []*Window { return s.Silence }

// Maintenances implements Source.
func (s Static) Maintenances() []*Window { return s.Maintenance }
