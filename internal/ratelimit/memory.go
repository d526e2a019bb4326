package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/tripwire/internal/clock"
)

type counters struct {
	day     string
	daily   int
	running int
	minute  []time.Time
}

// Memory is an in-process Limiter. All keys share one mutex; the check and
// the increments happen under it, so concurrent Acquires never overshoot.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	keys  map[string]*counters
}

// NewMemory creates a Memory limiter reading time from clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{clock: clk, keys: make(map[string]*counters)}
}

// Acquire implements Limiter.
func (m *Memory) Acquire(_ context.Context, key string, l Limits) (Verdict, func(), error) {
	if l.Unlimited() {
		return Verdict{Allowed: true}, noop, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	c, ok := m.keys[key]
	if !ok {
		c = &counters{}
		m.keys[key] = c
	}

	day := now.UTC().Format(time.DateOnly)
	if c.day != day {
		c.day = day
		c.daily = 0
	}
	if l.DailyQuota > 0 && c.daily >= l.DailyQuota {
		return Verdict{Reason: ReasonDailyQuota}, noop, nil
	}

	if l.MaxConcurrent > 0 && c.running >= l.MaxConcurrent {
		return Verdict{Reason: ReasonMaxConcurrent}, noop, nil
	}

	cutoff := now.Add(-time.Minute)
	n := 0
	for n < len(c.minute) && !c.minute[n].After(cutoff) {
		n++
	}
	c.minute = append(c.minute[:0], c.minute[n:]...)
	if l.PerMinute > 0 && len(c.minute) >= l.PerMinute {
		return Verdict{Reason: ReasonPerMinute}, noop, nil
	}

	c.daily++
	c.running++
	c.minute = append(c.minute, now)

	return Verdict{Allowed: true}, once(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c.running > 0 {
			c.running--
		}
	}), nil
}

// Running returns the number of unreleased acquisitions for key.
func (m *Memory) Running(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.keys[key]; ok {
		return c.running
	}
	return 0
}
