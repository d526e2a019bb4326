package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/tripwire/internal/alert"
	tc "github.com/linnemanlabs/tripwire/internal/cfg"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
	"github.com/linnemanlabs/tripwire/internal/ingress"
	"github.com/linnemanlabs/tripwire/internal/postgres"
	"github.com/linnemanlabs/tripwire/internal/ratelimit"
	"github.com/linnemanlabs/tripwire/internal/store/memstore"
	"github.com/linnemanlabs/tripwire/internal/store/pgstore"
)

// store is the persistence surface shared by the alert service, the
// dispatcher and the pipeline's dispatch marker.
type store interface {
	alert.Store
	dispatch.Journal
}

// openStore returns the postgres store when a database URL is configured
// and the in-memory store otherwise. The returned func releases the pool.
func openStore(ctx context.Context, L log.Logger, c *tc.Config) (store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL,
		postgres.WithMaxConns(int32(c.DBMaxConns)), //nolint:gosec // G115: bounded by flag validation
		postgres.WithSlowQueryThreshold(time.Duration(c.SlowQueryMillis)*time.Millisecond),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	st, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store")
	return st, pool.Close, nil
}

// openLimiter shares playbook rate caps through redis when an address is
// configured, so every instance draws from the same budget.
func openLimiter(ctx context.Context, L log.Logger, c *tc.Config) (ratelimit.Limiter, func(), error) {
	if c.RedisAddr == "" {
		return ratelimit.NewMemory(clock.Real{}), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	L.Info(ctx, "using redis rate limiter", "addr", c.RedisAddr)
	return ratelimit.NewRedis(rdb, clock.Real{}, "tripwire:ratelimit", time.Hour), func() { _ = rdb.Close() }, nil
}

// startIngest launches the configured broker consumers on g. A consumer
// that stops with an error calls abort so the process exits and the broker
// redelivers whatever was not committed.
func startIngest(ctx context.Context, g *errgroup.Group, L log.Logger, c *tc.Config, sink ingress.Submitter, hooks ingress.Hooks, abort context.CancelCauseFunc) error {
	if c.KafkaBrokers != "" {
		reader, err := ingress.NewKafkaReader(ingress.KafkaConfig{
			Brokers: c.KafkaBrokers,
			Topic:   c.KafkaTopic,
			GroupID: c.KafkaGroupID,
		})
		if err != nil {
			return fmt.Errorf("kafka reader: %w", err)
		}
		consumer := ingress.NewKafkaConsumer(reader, sink, clock.Real{}, L, hooks)
		g.Go(func() error {
			defer func() { _ = consumer.Close() }()
			if err := consumer.Run(ctx); err != nil {
				abort(fmt.Errorf("kafka consumer: %w", err))
				return err
			}
			return nil
		})
		L.Info(ctx, "kafka ingest enabled", "topic", c.KafkaTopic, "group_id", c.KafkaGroupID)
	}

	if c.NATSURL != "" {
		sub := ingress.NewNATSSubscriber(ingress.NATSConfig{
			URL:     c.NATSURL,
			Subject: c.NATSSubject,
			Queue:   c.NATSQueue,
		}, sink, clock.Real{}, L, hooks)
		g.Go(func() error {
			if err := sub.Run(ctx); err != nil {
				abort(fmt.Errorf("nats subscriber: %w", err))
				return err
			}
			return nil
		})
		L.Info(ctx, "nats ingest enabled", "subject", c.NATSSubject, "queue", c.NATSQueue)
	}
	return nil
}

// wait blocks until g finishes or ctx is done.
func wait(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
