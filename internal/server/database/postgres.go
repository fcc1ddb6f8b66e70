package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one versioned schema change.
type migration struct {
	Version string
	SQL     string
}

// migrations contains all database migrations in order.
var migrations = []migration{
	{
		Version: "000001_create_download_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS download_events (
				id          UUID         PRIMARY KEY,
				slug        VARCHAR(64)  NOT NULL,
				type        VARCHAR(16)  NOT NULL,
				file_count  INTEGER      NOT NULL,
				bytes       BIGINT       NOT NULL DEFAULT 0,
				cached      BOOLEAN      NOT NULL DEFAULT FALSE,
				ip          VARCHAR(64),
				user_agent  TEXT,
				created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_download_events_slug ON download_events(slug);
			CREATE INDEX IF NOT EXISTS idx_download_events_created_at ON download_events(created_at);
		`,
	},
}

// migrationLock is the advisory lock key held while a migration runs, so
// instances starting together apply each version once.
const migrationLock int64 = 0x73617463686c

// migrator is the part of a pool the migration runner needs.
type migrator interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	return migrate(ctx, db.Pool, migrations)
}

func migrate(ctx context.Context, conn migrator, steps []migration) error {
	// Create migrations tracking table
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := 0
	for _, m := range steps {
		ok, err := applyMigration(ctx, conn, m)
		if err != nil {
			return err
		}
		if ok {
			applied++
			slog.Info("applied migration", "version", m.Version)
		}
	}

	slog.Info("database schema up to date", "applied", applied, "known", len(steps))
	return nil
}

// applyMigration runs m unless it is already recorded. It reports whether
// it ran.
func applyMigration(ctx context.Context, conn migrator, m migration) (bool, error) {
	// Execute migration in a transaction
	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLock); err != nil {
		return false, fmt.Errorf("failed to lock migrations for %s: %w", m.Version, err)
	}

	// Check if already applied, now that no other instance can be applying it
	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
		m.Version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
		return false, fmt.Errorf("failed to record migration %s: %w", m.Version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
	}
	return true, nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
