// Package catalog loads rules, silences, maintenance windows, playbook
// bindings, playbooks and notification destinations from a YAML file and
// serves them from an immutable snapshot that is swapped on reload.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/notify"
	"github.com/linnemanlabs/tripwire/internal/playbook"
	"github.com/linnemanlabs/tripwire/internal/rule"
	"github.com/linnemanlabs/tripwire/internal/suppress"
)

// PlaybookSpec declares an executor for a playbook id.
type PlaybookSpec struct {
	ID      string            `yaml:"id"`
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// File is the on-disk layout.
type File struct {
	Rules        []*rule.Rule          `yaml:"rules"`
	Silences     []*suppress.Window    `yaml:"silences"`
	Maintenance  []*suppress.Window    `yaml:"maintenance"`
	Bindings     []*playbook.Binding   `yaml:"bindings"`
	Playbooks    []*PlaybookSpec       `yaml:"playbooks"`
	Destinations []*notify.Destination `yaml:"destinations"`
}

// Snapshot is a validated, compiled catalog. It is never mutated after
// Parse returns.
type Snapshot struct {
	rules        []*rule.Rule
	rulesByID    map[string]*rule.Rule
	silences     []*suppress.Window
	maintenance  []*suppress.Window
	bindings     []*playbook.Binding
	destinations map[string]*notify.Destination
	playbooks    *playbook.Registry
	loadedAt     time.Time
}

// Parse decodes and validates a catalog document. Every error found is
// reported, not just the first.
func Parse(data []byte) (*Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	var errs []error
	s := &Snapshot{
		rulesByID:    make(map[string]*rule.Rule, len(f.Rules)),
		destinations: make(map[string]*notify.Destination, len(f.Destinations)),
		playbooks:    playbook.NewRegistry(),
		loadedAt:     time.Now(),
	}

	for _, d := range f.Destinations {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := s.destinations[d.ID]; dup {
			errs = append(errs, fmt.Errorf("destination %q: duplicate id", d.ID))
			continue
		}
		s.destinations[d.ID] = d
	}

	for _, p := range f.Playbooks {
		e, err := buildExecutor(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := s.playbooks.Get(p.ID); dup {
			errs = append(errs, fmt.Errorf("playbook %q: duplicate id", p.ID))
			continue
		}
		s.playbooks.Register(p.ID, e)
	}

	for _, r := range f.Rules {
		if err := r.Compile(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := s.rulesByID[r.ID]; dup {
			errs = append(errs, fmt.Errorf("rule %q: duplicate id", r.ID))
			continue
		}
		for _, d := range r.Destinations {
			if _, ok := s.destinations[d]; !ok {
				errs = append(errs, fmt.Errorf("rule %q: unknown destination %q", r.ID, d))
			}
		}
		s.rulesByID[r.ID] = r
		s.rules = append(s.rules, r)
	}

	ids := make(map[string]bool)
	for _, b := range f.Bindings {
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if ids[b.ID] {
			errs = append(errs, fmt.Errorf("binding %q: duplicate id", b.ID))
			continue
		}
		ids[b.ID] = true
		if _, ok := s.playbooks.Get(b.PlaybookID); !ok {
			errs = append(errs, fmt.Errorf("binding %q: unknown playbook %q", b.ID, b.PlaybookID))
		}
		if b.RuleID != "" {
			if _, ok := s.rulesByID[b.RuleID]; !ok {
				errs = append(errs, fmt.Errorf("binding %q: unknown rule %q", b.ID, b.RuleID))
			}
		}
		s.bindings = append(s.bindings, b)
	}

	var err error
	if s.silences, err = compileWindows(f.Silences, alert.KindSilence); err != nil {
		errs = append(errs, err)
	}
	if s.maintenance, err = compileWindows(f.Maintenance, alert.KindMaintenance); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

func compileWindows(ws []*suppress.Window, kind alert.SuppressionKind) ([]*suppress.Window, error) {
	var errs []error
	seen := make(map[string]bool, len(ws))
	for _, w := range ws {
		w.Kind = kind
		if err := w.Compile(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		if seen[w.ID] {
			errs = append(errs, fmt.Errorf("%s %q: duplicate id", kind, w.ID))
		}
		seen[w.ID] = true
	}
	return ws, errors.Join(errs...)
}

func buildExecutor(p *PlaybookSpec) (playbook.Executor, error) {
	if p.ID == "" {
		return nil, errors.New("playbook: id is required")
	}
	switch p.Type {
	case "webhook", "":
		if p.URL == "" {
			return nil, fmt.Errorf("playbook %q: url is required", p.ID)
		}
		return playbook.NewWebhook(p.URL, p.Headers, p.Timeout), nil
	default:
		return nil, fmt.Errorf("playbook %q: unknown type %q", p.ID, p.Type)
	}
}

// Rules returns the enabled rules in file order.
func (s *Snapshot) Rules() []*rule.Rule {
	out := make([]*rule.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// RuleIDs returns every rule id, enabled or not, sorted.
func (s *Snapshot) RuleIDs() []string {
	out := make([]string, 0, len(s.rulesByID))
	for id := range s.rulesByID {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ChangedRules returns the ids, sorted, of rules in s whose correlation
// behavior differs in next: removed, disabled, or with a different type,
// match, window, threshold or group_by.
func (s *Snapshot) ChangedRules(next *Snapshot) []string {
	var out []string
	for id, r := range s.rulesByID {
		n, ok := next.rulesByID[id]
		if !ok || !sameCorrelation(r, n) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func sameCorrelation(a, b *rule.Rule) bool {
	return a.Enabled == b.Enabled &&
		a.Type == b.Type &&
		a.Window == b.Window &&
		a.Threshold == b.Threshold &&
		a.GroupBy == b.GroupBy &&
		reflect.DeepEqual(a.Match, b.Match)
}

// LoadedAt is when the snapshot was parsed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Counts reports how many of each kind of entry the snapshot holds.
func (s *Snapshot) Counts() map[string]int {
	return map[string]int{
		"rules":        len(s.rules),
		"silences":     len(s.silences),
		"maintenance":  len(s.maintenance),
		"bindings":     len(s.bindings),
		"playbooks":    len(s.playbooks.IDs()),
		"destinations": len(s.destinations),
	}
}

// Catalog holds the current snapshot and reloads it from path.
type Catalog struct {
	path     string
	logger   log.Logger
	onReload func(prev, next *Snapshot)

	mu   sync.RWMutex
	snap *Snapshot
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithReloadHook runs fn after each successful reload.
func WithReloadHook(fn func(prev, next *Snapshot)) Option {
	return func(c *Catalog) { c.onReload = fn }
}

// Load reads and validates the catalog at path.
func Load(path string, opts ...Option) (*Catalog, error) {
	c := &Catalog{path: filepath.Clean(path), logger: log.Nop()}
	for _, o := range opts {
		o(c)
	}
	snap, err := c.read()
	if err != nil {
		return nil, err
	}
	c.snap = snap
	return c, nil
}

// New wraps an already parsed snapshot. Reload and Watch are unavailable.
func New(snap *Snapshot) *Catalog {
	return &Catalog{logger: log.Nop(), snap: snap}
}

func (c *Catalog) read() (*Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.path, err)
	}
	return snap, nil
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Reload re-reads the file. On error the current snapshot stays in place.
func (c *Catalog) Reload(ctx context.Context) error {
	if c.path == "" {
		return errors.New("catalog has no backing file")
	}
	next, err := c.read()
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.snap
	c.snap = next
	c.mu.Unlock()

	c.logger.Info(ctx, "catalog reloaded", "path", c.path, "counts", next.Counts())
	if c.onReload != nil {
		c.onReload(prev, next)
	}
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return errors.New("catalog has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != c.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := c.Reload(ctx); err != nil {
				c.logger.Error(ctx, err, "catalog reload failed, keeping previous version", "path", c.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn(ctx, "catalog watcher error", "error", err)
		}
	}
}

// Rules returns the enabled rules.
func (c *Catalog) Rules() []*rule.Rule { return c.Snapshot().Rules() }

// Rule returns a rule by id, enabled or not.
func (c *Catalog) Rule(id string) (*rule.Rule, bool) {
	r, ok := c.Snapshot().rulesByID[id]
	return r, ok
}

// Bindings returns every binding; filtering happens in playbook.Select.
func (c *Catalog) Bindings() []*playbook.Binding { return c.Snapshot().bindings }

// Destination returns a destination by id.
func (c *Catalog) Destination(id string) (*notify.Destination, bool) {
	d, ok := c.Snapshot().destinations[id]
	return d, ok
}

// Silences implements suppress.Source.
func (c *Catalog) Silences() []*suppress.Window { return c.Snapshot().silences }

// Maintenances implements suppress.Source.
func (c *Catalog) Maintenances() []*suppress.Window { return c.Snapshot().maintenance }

// Execute runs a playbook with the executor declared in the current
// snapshot.
func (c *Catalog) Execute(ctx context.Context, req *playbook.Request) (*playbook.Result, error) {
	return c.Snapshot().playbooks.Execute(ctx, req)
}
