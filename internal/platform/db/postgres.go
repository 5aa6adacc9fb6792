package db

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes the connection pool. Zero values keep the pgxpool defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// New creates a new PostgreSQL connection pool. NUMERIC columns scan into decimal.Decimal on
// every connection.
func New(ctx context.Context, dsn string, tuning PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if tuning.MaxConns > 0 {
		config.MaxConns = tuning.MaxConns
	}
	if tuning.MinConns > 0 {
		config.MinConns = tuning.MinConns
	}
	if tuning.MaxConnLifetime > 0 {
		config.MaxConnLifetime = tuning.MaxConnLifetime
	}
	if tuning.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = tuning.MaxConnIdleTime
	}
	config.HealthCheckPeriod = time.Minute
	config.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
