package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertCode stores a freshly issued code. An existing code with the same
// token is left untouched and ErrCodeExists is returned.
func (t *pgTx) InsertCode(ctx context.Context, code *RedeemCode) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO redeem_codes (code, slots, max_redemptions, remaining_redemptions, issued_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO NOTHING
	`,
		code.Code,
		code.Slots,
		code.MaxRedemptions,
		code.RemainingRedemptions,
		code.IssuedBy,
		code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert redeem code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeExists
	}
	return nil
}

// LockCode retrieves a code and holds its row lock until the transaction ends.
func (t *pgTx) LockCode(ctx context.Context, code string) (*RedeemCode, error) {
	c := &RedeemCode{}
	err := t.tx.QueryRow(ctx, `
		SELECT code, slots, max_redemptions, remaining_redemptions, issued_by, created_at
		FROM redeem_codes WHERE code = $1 FOR UPDATE
	`, code).Scan(
		&c.Code,
		&c.Slots,
		&c.MaxRedemptions,
		&c.RemainingRedemptions,
		&c.IssuedBy,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to lock redeem code: %w", err)
	}
	return c, nil
}

// HasRedeemed reports whether username already appears in the code history.
func (t *pgTx) HasRedeemed(ctx context.Context, code, username string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM redemptions WHERE code = $1 AND username = $2)",
		code, username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check redemption history: %w", err)
	}
	return exists, nil
}

// RecordRedemption decrements the counter and appends to the history in the
// same transaction, so the two never diverge after commit.
func (t *pgTx) RecordRedemption(ctx context.Context, code, username string, slots int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE redeem_codes SET remaining_redemptions = remaining_redemptions - 1
		WHERE code = $1 AND remaining_redemptions > 0
	`, code)
	if err != nil {
		return fmt.Errorf("failed to decrement redeem code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeExhausted
	}

	tag, err = t.tx.Exec(ctx, `
		INSERT INTO redemptions (code, username, slots) VALUES ($1, $2, $3)
		ON CONFLICT (code, username) DO NOTHING
	`, code, username, slots)
	if err != nil {
		return fmt.Errorf("failed to record redemption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRedeemed
	}
	return nil
}

// DeleteCode removes a code and, by cascade, its history.
func (t *pgTx) DeleteCode(ctx context.Context, code string) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM redeem_codes WHERE code = $1", code)
	if err != nil {
		return fmt.Errorf("failed to delete redeem code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeNotFound
	}
	return nil
}

// ListCodes returns every code with the accounts that redeemed it.
func (t *pgTx) ListCodes(ctx context.Context) ([]*RedeemCode, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT c.code, c.slots, c.max_redemptions, c.remaining_redemptions, c.issued_by, c.created_at,
			   COALESCE(array_agg(r.username ORDER BY r.redeemed_at) FILTER (WHERE r.username IS NOT NULL), '{}')
		FROM redeem_codes c
		LEFT JOIN redemptions r ON r.code = c.code
		GROUP BY c.code
		ORDER BY c.created_at, c.code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query redeem codes: %w", err)
	}
	defer rows.Close()

	var codes []*RedeemCode
	for rows.Next() {
		c := &RedeemCode{}
		if err := rows.Scan(
			&c.Code,
			&c.Slots,
			&c.MaxRedemptions,
			&c.RemainingRedemptions,
			&c.IssuedBy,
			&c.CreatedAt,
			&c.RedeemedBy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan redeem code: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}
