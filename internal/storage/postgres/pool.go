// Package postgres provides Postgres-backed job, error and document stores.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool shared by the stores.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool is the subset of *pgxpool.Pool the stores use; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Schema creates the tables the stores need.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	start_urls      JSONB NOT NULL,
	allowed_domains JSONB NOT NULL DEFAULT '[]',
	blocked_domains JSONB NOT NULL DEFAULT '[]',
	config          JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL,
	message_id      TEXT,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	run             INTEGER NOT NULL DEFAULT 0,
	revoked         BOOLEAN NOT NULL DEFAULT FALSE,
	completed_runs  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_errors (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	task_id    TEXT NOT NULL,
	run        INTEGER NOT NULL,
	logged_at  TIMESTAMPTZ NOT NULL,
	message    TEXT NOT NULL,
	traceback  TEXT
);
CREATE INDEX IF NOT EXISTS task_errors_task_idx ON task_errors (task_id, seq);

CREATE TABLE IF NOT EXISTS crawl_documents (
	seq          BIGSERIAL PRIMARY KEY,
	job_id       TEXT NOT NULL,
	url          TEXT NOT NULL,
	status_code  INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	bytes        INTEGER NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_documents_job_idx ON crawl_documents (job_id);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
