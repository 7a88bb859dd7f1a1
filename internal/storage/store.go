package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"card-deal-alerts/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deal_alerts (
    id          BIGSERIAL PRIMARY KEY,
    token_mint  TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL,
    price_sol   NUMERIC,
    price_usd   NUMERIC,
    alt_value   NUMERIC,
    diff_pct    NUMERIC,
    channels    TEXT[] NOT NULL DEFAULT '{}',
    source      TEXT NOT NULL DEFAULT 'poll',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS deal_alerts_created_at_idx ON deal_alerts (created_at DESC);
CREATE INDEX IF NOT EXISTS deal_alerts_token_mint_idx ON deal_alerts (token_mint);

CREATE TABLE IF NOT EXISTS price_samples (
    sampled_at  TIMESTAMPTZ PRIMARY KEY,
    usd         NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_stats (
    polled_at   TIMESTAMPTZ PRIMARY KEY,
    total       INT NOT NULL,
    high_tier   INT NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
