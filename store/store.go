// Package store is the relational persistence layer: golden lead records
// plus the audit tables (mission results, selector repairs, cognitive site
// maps, hardware entropy, blueprint copies).
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Store wraps the shared Postgres pool. A nil *Store is a valid
	// degraded store: every method becomes a no-op so a missing
	// DATABASE_URL never takes the pipeline down.
	Store struct {
		db     *sqlx.DB
		logger telemetry.Logger
	}

	// Config configures a Store.
	Config struct {
		// DSN is the Postgres connection string. Required.
		DSN string
		// PoolMax bounds open connections. Defaults to 10.
		PoolMax int
		// ConnectTimeout bounds the initial ping. Defaults to 5 s.
		ConnectTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// Open connects to Postgres, verifies the connection and ensures the schema
// exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	poolMax := cfg.PoolMax
	if poolMax <= 0 {
		poolMax = 10
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing pool. Tests use this with sqlmock.
func NewWithDB(db *sqlx.DB, logger telemetry.Logger) *Store {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{db: db, logger: logger}
}

// Enabled reports whether persistence is active.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Close releases the pool.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// ensureSchema creates all tables idempotently on first use.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS leads (
		id BIGSERIAL PRIMARY KEY,
		linkedin_url TEXT UNIQUE NOT NULL,
		name TEXT,
		phone TEXT,
		email TEXT,
		city TEXT,
		state TEXT,
		zipcode TEXT,
		age TEXT,
		income TEXT,
		dnc_status TEXT,
		can_contact BOOLEAN,
		confidence_age REAL,
		confidence_income REAL,
		source_metadata JSONB,
		enriched_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS mission_results (
		id BIGSERIAL PRIMARY KEY,
		mission_id TEXT NOT NULL,
		provider TEXT,
		status TEXT NOT NULL,
		duration_s DOUBLE PRECISION,
		vision_confidence DOUBLE PRECISION,
		captcha_solved BOOLEAN,
		trauma_signals JSONB,
		extracted JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS selector_repairs (
		id BIGSERIAL PRIMARY KEY,
		domain TEXT NOT NULL,
		intent TEXT NOT NULL,
		old_selector TEXT,
		new_selector TEXT NOT NULL,
		confidence DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS site_cognitive_maps (
		id BIGSERIAL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		summary TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS hardware_entropy (
		id BIGSERIAL PRIMARY KEY,
		worker_id TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		gpu_seed BIGINT NOT NULL,
		audio_seed BIGINT NOT NULL,
		canvas_seed BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS site_blueprints (
		domain TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
