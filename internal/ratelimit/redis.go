package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/tripwire/internal/clock"
)

const (
	// acquireScript checks and commits all three caps in one round trip.
	// KEYS: daily counter, running counter, per-minute sorted set.
	// ARGV: daily quota, max concurrent, per minute, now (ms), member,
	// daily ttl (s), running ttl (s).
	acquireScript = `
		local quota = tonumber(ARGV[1])
		local maxc = tonumber(ARGV[2])
		local perMin = tonumber(ARGV[3])
		local now = tonumber(ARGV[4])

		local daily = tonumber(redis.call('GET', KEYS[1]) or '0')
		if quota > 0 and daily >= quota then
			return {0, 'daily_quota'}
		end

		local running = tonumber(redis.call('GET', KEYS[2]) or '0')
		if maxc > 0 and running >= maxc then
			return {0, 'max_concurrent'}
		end

		redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', now - 60000)
		if perMin > 0 and redis.call('ZCARD', KEYS[3]) >= perMin then
			return {0, 'per_minute'}
		end

		redis.call('INCR', KEYS[1])
		redis.call('EXPIRE', KEYS[1], ARGV[6])
		redis.call('INCR', KEYS[2])
		redis.call('EXPIRE', KEYS[2], ARGV[7])
		redis.call('ZADD', KEYS[3], now, ARGV[5])
		redis.call('PEXPIRE', KEYS[3], 60000)
		return {1, ''}
	`

	// releaseScript decrements the running counter without going negative.
	releaseScript = `
		local running = tonumber(redis.call('GET', KEYS[1]) or '0')
		if running > 0 then
			return redis.call('DECR', KEYS[1])
		end
		return 0
	`
)

// Redis is a Limiter shared by every instance pointing at the same Redis.
type Redis struct {
	client     redis.UniversalClient
	clock      clock.Clock
	prefix     string
	runningTTL time.Duration
	acquire    *redis.Script
	release    *redis.Script
}

// NewRedis creates a Redis limiter. Keys are namespaced under prefix.
// runningTTL bounds how long a leaked concurrency slot survives a crashed
// holder.
func NewRedis(client redis.UniversalClient, clk clock.Clock, prefix string, runningTTL time.Duration) *Redis {
	if clk == nil {
		clk = clock.Real{}
	}
	if prefix == "" {
		prefix = "tripwire:ratelimit"
	}
	if runningTTL <= 0 {
		runningTTL = time.Hour
	}
	return &Redis{
		client:     client,
		clock:      clk,
		prefix:     prefix,
		runningTTL: runningTTL,
		acquire:    redis.NewScript(acquireScript),
		release:    redis.NewScript(releaseScript),
	}
}

func (r *Redis) keys(key string, now time.Time) []string {
	base := r.prefix + ":{" + key + "}"
	return []string{
		base + ":day:" + now.UTC().Format("20060102"),
		base + ":running",
		base + ":minute",
	}
}

// Acquire implements Limiter.
func (r *Redis) Acquire(ctx context.Context, key string, l Limits) (Verdict, func(), error) {
	if l.Unlimited() {
		return Verdict{Allowed: true}, noop, nil
	}

	now := r.clock.Now()
	keys := r.keys(key, now)
	midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	dayTTL := int(midnight.Sub(now).Seconds()) + 1

	res, err := r.acquire.Run(ctx, r.client, keys,
		l.DailyQuota,
		l.MaxConcurrent,
		l.PerMinute,
		now.UnixMilli(),
		ulid.Make().String(),
		dayTTL,
		int(r.runningTTL.Seconds()),
	).Slice()
	if err != nil {
		return Verdict{}, noop, fmt.Errorf("ratelimit acquire %s: %w", key, err)
	}
	if len(res) != 2 {
		return Verdict{}, noop, fmt.Errorf("ratelimit acquire %s: unexpected reply %v", key, res)
	}

	allowed, _ := res[0].(int64)
	if allowed != 1 {
		reason, _ := res[1].(string)
		return Verdict{Reason: reason}, noop, nil
	}

	running := keys[1]
	return Verdict{Allowed: true}, once(func() {
		// release must outlive a canceled dispatch context
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = r.release.Run(rctx, r.client, []string{running}).Err()
	}), nil
}
