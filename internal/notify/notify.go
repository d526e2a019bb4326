// Package notify defines direct notification destinations and the notifier
// contract the dispatcher drives with retry and backoff.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
)

// Destination is a configured notification target.
type Destination struct {
	ID      string            `yaml:"id" json:"id"`
	Type    string            `yaml:"type" json:"type"`
	URL     string            `yaml:"url" json:"-"`
	Headers map[string]string `yaml:"headers" json:"-"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate rejects destinations that could never be delivered to.
func (d *Destination) Validate() error {
	var errs []error
	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if d.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
		errs = append(errs, fmt.Errorf("url %q must be http or https", d.URL))
	}
	if d.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("destination %q: %w", d.ID, errors.Join(errs...))
	}
	return nil
}

// Notifier delivers an alert to a destination of its Type. It returns the
// HTTP status when one was received; a non-nil error is a failed attempt.
type Notifier interface {
	Type() string
	Notify(ctx context.Context, dest *Destination, a *alert.Alert) (int, error)
}

// Registry resolves destination types to notifiers.
type Registry struct {
	notifiers map[string]Notifier
}

// NewRegistry creates a registry holding the given notifiers.
func NewRegistry(ns ...Notifier) *Registry {
	r := &Registry{notifiers: make(map[string]Notifier, len(ns))}
	for _, n := range ns {
		r.Register(n)
	}
	return r
}

// Register adds a notifier keyed by its Type.
func (r *Registry) Register(n Notifier) {
	r.notifiers[n.Type()] = n
}

// Notify delivers to dest with the notifier registered for its type.
func (r *Registry) Notify(ctx context.Context, dest *Destination, a *alert.Alert) (int, error) {
	n, ok := r.notifiers[dest.Type]
	if !ok {
		return 0, fmt.Errorf("destination %q: no notifier for type %q", dest.ID, dest.Type)
	}
	return n.Notify(ctx, dest, a)
}

// StatusError is returned when the destination answered with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("destination returned %d: %s", e.Code, e.Body)
}
