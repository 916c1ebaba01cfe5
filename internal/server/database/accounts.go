package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const accountColumns = "username, password_hash, is_admin, quota_remaining, created_at"

func scanAccount(row pgx.Row) (*Account, error) {
	a := &Account{}
	if err := row.Scan(
		&a.Username,
		&a.PasswordHash,
		&a.IsAdmin,
		&a.QuotaRemaining,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAccount inserts a new account. Usernames compare exactly.
func (t *pgTx) CreateAccount(ctx context.Context, account *Account) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (username, password_hash, is_admin, quota_remaining, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO NOTHING
	`,
		account.Username,
		account.PasswordHash,
		account.IsAdmin,
		account.QuotaRemaining,
		account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return nil
}

// GetAccount retrieves an account without locking it.
func (t *pgTx) GetAccount(ctx context.Context, username string) (*Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE username = $1", username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// LockAccount retrieves an account and holds its row lock until the
// transaction ends, serializing quota read-modify-write per account.
func (t *pgTx) LockAccount(ctx context.Context, username string) (*Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE username = $1 FOR UPDATE", username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return a, nil
}

// AdjustQuota applies delta in a single guarded UPDATE.
func (t *pgTx) AdjustQuota(ctx context.Context, username string, delta int64) (*Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx, `
		UPDATE accounts SET quota_remaining = quota_remaining + $2
		WHERE username = $1 AND (is_admin OR quota_remaining + $2 >= 0)
		RETURNING `+accountColumns,
		username, delta))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to adjust quota: %w", err)
	}

	// No row updated: either the account is missing or the guard refused.
	if _, err := t.GetAccount(ctx, username); err != nil {
		return nil, err
	}
	return nil, ErrQuotaExhausted
}

// SetAdmin flips the admin flag on an existing account.
func (t *pgTx) SetAdmin(ctx context.Context, username string, isAdmin bool) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET is_admin = $2 WHERE username = $1", username, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to set admin flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListAccounts returns every account ordered by username.
func (t *pgTx) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
