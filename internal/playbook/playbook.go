// Package playbook defines the pluggable executor contract for automated
// response, the registry that resolves playbook ids to executors, and the
// bindings that decide which playbooks run for which alerts.
package playbook

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
)

// Mode determines what the dispatcher does with a matching binding.
type Mode string

const (
	// ModeSuggest records a recommendation and executes nothing.
	ModeSuggest Mode = "suggest"

	// ModeDryRun executes against a no-side-effect target.
	ModeDryRun Mode = "dry_run"

	// ModeAutoRun executes for real.
	ModeAutoRun Mode = "auto_run"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSuggest, ModeDryRun, ModeAutoRun:
		return true
	}
	return false
}

// Request is what an executor receives.
type Request struct {
	Alert      *alert.Alert `json:"alert"`
	PlaybookID string       `json:"playbook_id"`
	BindingID  string       `json:"binding_id"`
	// DryRun executors must not cause external effects.
	DryRun bool `json:"dry_run"`
}

// Result is what an executor returns. Execution failures are reported here
// with Success false; a returned error means the executor could not run.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs playbooks. Implementations are black boxes to the dispatcher
// and must honor ctx for their timeout.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps playbook ids to executors.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds a playbook id to an executor, replacing any previous one.
func (r *Registry) Register(playbookID string, e Executor) {
	r.executors[playbookID] = e
}

// Get retrieves the executor for a playbook id.
func (r *Registry) Get(playbookID string) (Executor, bool) {
	e, ok := r.executors[playbookID]
	return e, ok
}

// IDs returns the registered playbook ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.executors))
	for id := range r.executors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Execute runs the playbook named in req. An unknown playbook id is an error.
func (r *Registry) Execute(ctx context.Context, req *Request) (*Result, error) {
	e, ok := r.Get(req.PlaybookID)
	if !ok {
		return nil, fmt.Errorf("playbook %q: no executor registered", req.PlaybookID)
	}
	start := time.Now()
	res, err := e.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("playbook %q (%s): %w", req.PlaybookID, e.Name(), err)
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}
