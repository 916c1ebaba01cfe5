package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var _ Ledger = (*Repository)(nil)

// Repository is the Postgres-backed Ledger.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// InTx runs fn inside a single Postgres transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// HealthCheck verifies the database connection is alive.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// pgTx implements Tx on top of a pgx transaction. Its methods are split
// across accounts.go, codes.go and sites.go.
type pgTx struct {
	tx pgx.Tx
}

// Stats returns aggregate server statistics.
func (t *pgTx) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := t.tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM sites),
			(SELECT COUNT(*) FROM redeem_codes),
			(SELECT COUNT(*) FROM redemptions),
			(SELECT COALESCE(SUM(quota_remaining), 0) FROM accounts WHERE NOT is_admin),
			(SELECT COALESCE(SUM(size_bytes), 0) FROM sites)
	`).Scan(
		&stats.Accounts,
		&stats.Sites,
		&stats.Codes,
		&stats.Redemptions,
		&stats.QuotaOutstanding,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
