// Package ratelimit holds the shared counters behind playbook binding caps:
// a daily quota that resets at midnight UTC, a cap on concurrent executions
// and a per-minute sliding counter. Limiters are injected, never global.
package ratelimit

import (
	"context"
	"sync"
)

// Limits are the caps for one key. Zero means unlimited.
type Limits struct {
	PerMinute     int `yaml:"max_per_minute" json:"max_per_minute,omitempty"`
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent,omitempty"`
	DailyQuota    int `yaml:"daily_quota" json:"daily_quota,omitempty"`
}

// Unlimited reports whether no cap is set.
func (l Limits) Unlimited() bool {
	return l.PerMinute <= 0 && l.MaxConcurrent <= 0 && l.DailyQuota <= 0
}

// Reasons reported when a cap is exceeded.
const (
	ReasonDailyQuota    = "daily_quota"
	ReasonMaxConcurrent = "max_concurrent"
	ReasonPerMinute     = "per_minute"
)

// Verdict is the outcome of Acquire.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Limiter checks caps in order daily quota, concurrency, per-minute and
// commits all counters atomically only when every check passes. On success
// the returned release func must be called once the execution finishes; it
// frees the concurrency slot and is safe to call more than once.
type Limiter interface {
	Acquire(ctx context.Context, key string, l Limits) (Verdict, func(), error)
}

func noop() {}

func once(f func()) func() {
	var o sync.Once
	return func() { o.Do(f) }
}
