// Package db is the PostgreSQL event journal: pipeline transitions, builder
// runs, fix rounds and check runs.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pool for advanced queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    pipeline_id TEXT NOT NULL,
    event       TEXT NOT NULL,
    from_state  TEXT NOT NULL DEFAULT '',
    to_state    TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    total_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_pipeline ON pipeline_events(pipeline_id, created_at);

CREATE TABLE IF NOT EXISTS builder_runs (
    id                BIGSERIAL PRIMARY KEY,
    pipeline_id       TEXT NOT NULL,
    service_id        TEXT NOT NULL,
    mode              TEXT NOT NULL,
    success           BOOLEAN NOT NULL,
    exit_code         INTEGER NOT NULL,
    tests_passed      INTEGER NOT NULL DEFAULT 0,
    tests_total       INTEGER NOT NULL DEFAULT 0,
    convergence_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ms       BIGINT NOT NULL DEFAULT 0,
    error             TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_builder_runs_pipeline ON builder_runs(pipeline_id, service_id);

CREATE TABLE IF NOT EXISTS fix_rounds (
    id                BIGSERIAL PRIMARY KEY,
    pipeline_id       TEXT NOT NULL,
    round             INTEGER NOT NULL,
    attempted         INTEGER NOT NULL,
    resolved          INTEGER NOT NULL,
    new_violations    INTEGER NOT NULL,
    fix_effectiveness DOUBLE PRECISION NOT NULL,
    regression_rate   DOUBLE PRECISION NOT NULL,
    score_before      DOUBLE PRECISION NOT NULL,
    score_after       DOUBLE PRECISION NOT NULL,
    convergence_score DOUBLE PRECISION NOT NULL,
    cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (pipeline_id, round)
);

CREATE TABLE IF NOT EXISTS check_runs (
    id          BIGSERIAL PRIMARY KEY,
    pipeline_id TEXT NOT NULL,
    round       INTEGER NOT NULL,
    service_id  TEXT NOT NULL DEFAULT '',
    check_name  TEXT NOT NULL,
    passed      BOOLEAN NOT NULL,
    exit_code   INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    summary     TEXT NOT NULL DEFAULT '',
    issues      INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_check_runs_pipeline ON check_runs(pipeline_id, round);
`

// Migrate applies the schema. It is safe to run repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check schema_version: %w", err)
	}
	if exists {
		var count int
		if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = 1`).Scan(&count); err != nil {
			return fmt.Errorf("read schema_version: %w", err)
		}
		if count > 0 {
			return nil
		}
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// SchemaVersion returns the highest applied schema version, 0 when none.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v *int
	err := d.pool.QueryRow(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{"pipeline_events", "builder_runs", "fix_rounds", "check_runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{t}.Sanitize()); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
