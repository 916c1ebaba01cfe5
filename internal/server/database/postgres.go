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
		Version: "000001_create_accounts",
		SQL: `
			CREATE TABLE IF NOT EXISTS accounts (
				username        VARCHAR(64)  PRIMARY KEY,
				password_hash   VARCHAR(255) NOT NULL,
				is_admin        BOOLEAN      NOT NULL DEFAULT FALSE,
				quota_remaining BIGINT       NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				CONSTRAINT accounts_quota_non_negative CHECK (is_admin OR quota_remaining >= 0)
			);
		`,
	},
	{
		Version: "000002_create_redeem_codes",
		SQL: `
			CREATE TABLE IF NOT EXISTS redeem_codes (
				code                  VARCHAR(64) PRIMARY KEY,
				slots                 INTEGER     NOT NULL CHECK (slots > 0),
				max_redemptions       INTEGER     NOT NULL CHECK (max_redemptions > 0),
				remaining_redemptions INTEGER     NOT NULL CHECK (remaining_redemptions >= 0),
				issued_by             VARCHAR(64) NOT NULL REFERENCES accounts(username),
				created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE TABLE IF NOT EXISTS redemptions (
				code        VARCHAR(64) NOT NULL REFERENCES redeem_codes(code) ON DELETE CASCADE,
				username    VARCHAR(64) NOT NULL REFERENCES accounts(username),
				slots       INTEGER     NOT NULL,
				redeemed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (code, username)
			);
			CREATE INDEX IF NOT EXISTS idx_redemptions_username ON redemptions(username);
		`,
	},
	{
		Version: "000003_create_sites",
		SQL: `
			CREATE TABLE IF NOT EXISTS sites (
				owner      VARCHAR(64)  NOT NULL REFERENCES accounts(username),
				name       VARCHAR(64)  NOT NULL,
				entry      VARCHAR(255) NOT NULL DEFAULT '',
				file_count INTEGER      NOT NULL DEFAULT 0,
				size_bytes BIGINT       NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				PRIMARY KEY (owner, name)
			);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool. maxConns <= 0 keeps the
// pgxpool default.
func New(ctx context.Context, databaseURL string, maxConns int) (*DB, error) {
	config, err := poolConfig(databaseURL, maxConns)
	if err != nil {
		return nil, err
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

// poolConfig parses the URL and applies the pool size. Uploads hold a
// connection for the whole extraction, so the pool must leave room for
// logins and redemptions next to the largest expected number of
// concurrent uploads.
func poolConfig(databaseURL string, maxConns int) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	return config, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
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
