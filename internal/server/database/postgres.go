package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_assets",
		SQL: `
			CREATE TABLE IF NOT EXISTS assets (
				slug         VARCHAR(128) PRIMARY KEY,
				filename     VARCHAR(255) NOT NULL,
				size         BIGINT       NOT NULL,
				content_type VARCHAR(64)  NOT NULL,
				content_hash VARCHAR(64)  NOT NULL DEFAULT '',
				created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_upload_sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS upload_sessions (
				id                VARCHAR(36)  PRIMARY KEY,
				original_filename VARCHAR(255) NOT NULL,
				total_chunks      INTEGER      NOT NULL,
				total_size        BIGINT       NOT NULL,
				replace_slug      VARCHAR(128) NOT NULL DEFAULT '',
				received_chunks   INTEGER[]    NOT NULL DEFAULT '{}',
				status            VARCHAR(16)  NOT NULL DEFAULT 'open',
				result_slug       VARCHAR(128) NOT NULL DEFAULT '',
				result_filename   VARCHAR(255) NOT NULL DEFAULT '',
				result_size       BIGINT       NOT NULL DEFAULT 0,
				result_hash       VARCHAR(64)  NOT NULL DEFAULT '',
				created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_upload_sessions_status_updated
				ON upload_sessions(status, updated_at);
		`,
	},
	{
		Version: "000003_create_access_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS access_events (
				id           BIGSERIAL    PRIMARY KEY,
				kind         VARCHAR(16)  NOT NULL,
				principal_id VARCHAR(128) NOT NULL DEFAULT '',
				slug         VARCHAR(128) NOT NULL DEFAULT '',
				outcome      VARCHAR(32)  NOT NULL,
				ip           VARCHAR(64)  NOT NULL DEFAULT '',
				user_agent   TEXT         NOT NULL DEFAULT '',
				bytes_sent   BIGINT       NOT NULL DEFAULT 0,
				occurred_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_access_events_slug_kind ON access_events(slug, kind);
		`,
	},
	{
		Version: "000004_create_entitlements",
		SQL: `
			CREATE TABLE IF NOT EXISTS entitlements (
				principal_id VARCHAR(128) NOT NULL,
				slug         VARCHAR(128) NOT NULL,
				status       VARCHAR(32)  NOT NULL,
				expires_at   TIMESTAMPTZ,
				created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				PRIMARY KEY (principal_id, slug)
			);
		`,
	},
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
	// Create migrations tracking table
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		// Check if already applied
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		// Execute migration in a transaction
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
