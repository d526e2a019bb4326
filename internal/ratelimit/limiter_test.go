package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/tripwire/internal/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type acquireStep struct {
	advance     time.Duration
	release     bool // release every slot held so far before acquiring
	wantAllowed bool
	wantReason  string
}

// runSteps drives a limiter through steps, holding every granted slot until
// a step asks for release.
func runSteps(t *testing.T, lim Limiter, clk *clock.Fake, l Limits, steps []acquireStep) {
	t.Helper()
	ctx := context.Background()
	var held []func()
	for i, st := range steps {
		clk.Advance(st.advance)
		if st.release {
			for _, r := range held {
				r()
			}
			held = nil
		}
		v, release, err := lim.Acquire(ctx, "binding-1", l)
		if err != nil {
			t.Fatalf("step %d: Acquire: %v", i, err)
		}
		if v.Allowed != st.wantAllowed || v.Reason != st.wantReason {
			t.Fatalf("step %d: got %+v, want allowed=%v reason=%q", i, v, st.wantAllowed, st.wantReason)
		}
		if v.Allowed {
			held = append(held, release)
		}
	}
}

var limiterCases = []struct {
	name   string
	limits Limits
	steps  []acquireStep
}{
	{
		name:   "per minute",
		limits: Limits{PerMinute: 2},
		steps: []acquireStep{
			{wantAllowed: true},
			{advance: time.Second, wantAllowed: true},
			{advance: time.Second, wantReason: ReasonPerMinute},
			// both earlier entries have left the sliding minute
			{advance: 59 * time.Second, wantAllowed: true},
			{advance: time.Second, wantAllowed: true},
			{wantReason: ReasonPerMinute},
		},
	},
	{
		name:   "max concurrent",
		limits: Limits{MaxConcurrent: 1},
		steps: []acquireStep{
			{wantAllowed: true},
			{wantReason: ReasonMaxConcurrent},
			{release: true, wantAllowed: true},
		},
	},
	{
		name:   "daily quota resets at midnight utc",
		limits: Limits{DailyQuota: 2},
		steps: []acquireStep{
			{wantAllowed: true},
			{advance: time.Hour, wantAllowed: true},
			{advance: time.Hour, wantReason: ReasonDailyQuota},
			{advance: 10 * time.Hour, wantAllowed: true},
		},
	},
	{
		name:   "daily quota checked before concurrency",
		limits: Limits{DailyQuota: 1, MaxConcurrent: 1},
		steps: []acquireStep{
			{wantAllowed: true},
			{wantReason: ReasonDailyQuota},
		},
	},
	{
		name:   "throttled attempts do not consume quota",
		limits: Limits{DailyQuota: 2, PerMinute: 1},
		steps: []acquireStep{
			{wantAllowed: true},
			{wantReason: ReasonPerMinute},
			{wantReason: ReasonPerMinute},
			{advance: 2 * time.Minute, wantAllowed: true},
			{advance: 2 * time.Minute, wantReason: ReasonDailyQuota},
		},
	},
	{
		name:   "unlimited",
		limits: Limits{},
		steps:  []acquireStep{{wantAllowed: true}, {wantAllowed: true}, {wantAllowed: true}},
	},
}

func TestMemory(t *testing.T) {
	t.Parallel()

	for _, tt := range limiterCases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(t0)
			runSteps(t, NewMemory(clk), clk, tt.limits, tt.steps)
		})
	}
}

func TestMemory_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := NewMemory(clock.NewFake(t0))
	l := Limits{MaxConcurrent: 2}
	ctx := context.Background()

	_, r1, _ := m.Acquire(ctx, "k", l)
	_, r2, _ := m.Acquire(ctx, "k", l)
	r1()
	r1()
	if got := m.Running("k"); got != 1 {
		t.Fatalf("Running = %d, want 1", got)
	}
	r2()
	if got := m.Running("k"); got != 0 {
		t.Fatalf("Running = %d, want 0", got)
	}
}

func TestMemory_ConcurrentAcquireNeverOvershoots(t *testing.T) {
	t.Parallel()

	m := NewMemory(clock.NewFake(t0))
	l := Limits{PerMinute: 5}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := m.Acquire(context.Background(), "k", l)
			if err != nil {
				t.Error(err)
				return
			}
			if v.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Fatalf("allowed = %d, want 5", allowed)
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("TRIPWIRE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRIPWIRE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	for _, tt := range limiterCases {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(t0)
			// unique prefix per run so reruns start clean
			prefix := "tripwire-test:" + ulid.Make().String()
			runSteps(t, NewRedis(client, clk, prefix, time.Minute), clk, tt.limits, tt.steps)
		})
	}
}
