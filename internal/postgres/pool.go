// Package postgres builds instrumented pgx connection pools and carries the
// query tracer that logs, traces and meters every statement.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption customizes NewPool.
type PoolOption func(*pgxpool.Config)

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithSlowQueryThreshold only logs successful queries slower than d.
func WithSlowQueryThreshold(d time.Duration) PoolOption {
	return func(*pgxpool.Config) {
		minQueryLogDuration.Store(int64(d))
	}
}

// NewPool connects to databaseURL with otelpgx spans and structured query
// logging, and verifies the connection.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer())
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
