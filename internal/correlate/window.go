// Package correlate decides whether a stream of individual rule matches
// should fire an alert. Matches are partitioned by (rule id, group key) and
// each partition keeps a FIFO of match timestamps bounded to the rule window.
package correlate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/linnemanlabs/tripwire/internal/rule"
)

// Policy controls what happens to a group once it fires.
type Policy string

const (
	// PolicyReset clears the group on fire so the next window starts clean.
	// One alert per contiguous burst.
	PolicyReset Policy = "reset"

	// PolicySliding keeps the FIFO after firing, so every further match
	// at or above threshold fires again.
	PolicySliding Policy = "sliding"
)

// ParsePolicy validates a policy name. The empty string selects PolicyReset.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReset:
		return PolicyReset, nil
	case PolicySliding:
		return PolicySliding, nil
	}
	return "", fmt.Errorf("unknown window policy %q", s)
}

// Decision is the outcome of observing one match.
type Decision struct {
	Fired bool
	// Count is the number of matches inside the window at decision time,
	// including the one just observed.
	Count int
}

const defaultShards = 64

type group struct {
	times  []time.Time
	window time.Duration
}

type shard struct {
	mu     sync.Mutex
	groups map[string]*group
}

// Window holds the correlation groups for every rule. Groups are spread
// across shards by key hash; each shard has its own lock so unrelated keys
// never contend.
type Window struct {
	policy Policy
	shards []*shard
}

// New creates a Window with the given firing policy.
func New(policy Policy) *Window {
	if policy == "" {
		policy = PolicyReset
	}
	w := &Window{policy: policy, shards: make([]*shard, defaultShards)}
	for i := range w.shards {
		w.shards[i] = &shard{groups: make(map[string]*group)}
	}
	return w
}

// KeyHash hashes a (rule id, group key) pair. The pipeline routes matches to
// workers with the same hash so a key is always handled by one goroutine.
func KeyHash(ruleID, groupKey string) uint64 {
	return xxhash.Sum64String(ruleID + "\x00" + groupKey)
}

func groupID(ruleID, groupKey string) string {
	return ruleID + "\x00" + groupKey
}

func (w *Window) shardFor(ruleID, groupKey string) *shard {
	return w.shards[KeyHash(ruleID, groupKey)%uint64(len(w.shards))]
}

// Observe records a match for r at time at and reports whether the group
// fired. Rules with threshold 1 fire on every match without bookkeeping.
func (w *Window) Observe(r *rule.Rule, groupKey string, at time.Time) Decision {
	threshold := r.Threshold
	if threshold <= 1 {
		return Decision{Fired: true, Count: 1}
	}

	s := w.shardFor(r.ID, groupKey)
	id := groupID(r.ID, groupKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		g = &group{}
		s.groups[id] = g
	}
	g.window = r.Window

	cutoff := at.Add(-r.Window)
	n := 0
	for n < len(g.times) && g.times[n].Before(cutoff) {
		n++
	}
	if n > 0 {
		g.times = append(g.times[:0], g.times[n:]...)
	}
	g.times = append(g.times, at)

	count := len(g.times)
	if count < threshold {
		return Decision{Count: count}
	}
	if w.policy == PolicyReset {
		delete(s.groups, id)
	}
	return Decision{Fired: true, Count: count}
}

// Count returns the number of in-window matches currently held for a group.
func (w *Window) Count(ruleID, groupKey string) int {
	s := w.shardFor(ruleID, groupKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupID(ruleID, groupKey)]; ok {
		return len(g.times)
	}
	return 0
}

// Reset drops every group belonging to ruleID. Used when a rule is disabled
// or redefined.
func (w *Window) Reset(ruleID string) {
	prefix := ruleID + "\x00"
	for _, s := range w.shards {
		s.mu.Lock()
		for id := range s.groups {
			if strings.HasPrefix(id, prefix) {
				delete(s.groups, id)
			}
		}
		s.mu.Unlock()
	}
}

// Sweep removes groups whose newest match has aged out of the window and
// returns how many were removed.
func (w *Window) Sweep(now time.Time) int {
	removed := 0
	for _, s := range w.shards {
		s.mu.Lock()
		for id, g := range s.groups {
			if len(g.times) == 0 || g.times[len(g.times)-1].Before(now.Add(-g.window)) {
				delete(s.groups, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked groups.
func (w *Window) Len() int {
	n := 0
	for _, s := range w.shards {
		s.mu.Lock()
		n += len(s.groups)
		s.mu.Unlock()
	}
	return n
}
