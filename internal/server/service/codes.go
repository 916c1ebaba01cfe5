package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pagedrop/internal/server/database"
	"pagedrop/internal/server/metrics"
)

// maxCodeAttempts bounds retries when a generated code collides.
const maxCodeAttempts = 5

// IssueRequest describes a code to issue. An empty Code is generated.
type IssueRequest struct {
	Slots          int    `json:"slots"`
	MaxRedemptions int    `json:"max_redemptions"`
	Code           string `json:"code,omitempty"`
}

// CodeInfo is the admin view of a redeem code.
type CodeInfo struct {
	Code                 string    `json:"code"`
	Slots                int       `json:"slots"`
	MaxRedemptions       int       `json:"max_redemptions"`
	RemainingRedemptions int       `json:"remaining_redemptions"`
	RedeemedBy           []string  `json:"redeemed_by"`
	IssuedBy             string    `json:"issued_by"`
	CreatedAt            time.Time `json:"created_at"`
}

func codeInfo(c *database.RedeemCode) *CodeInfo {
	redeemedBy := c.RedeemedBy
	if redeemedBy == nil {
		redeemedBy = []string{}
	}
	return &CodeInfo{
		Code:                 c.Code,
		Slots:                c.Slots,
		MaxRedemptions:       c.MaxRedemptions,
		RemainingRedemptions: c.RemainingRedemptions,
		RedeemedBy:           redeemedBy,
		IssuedBy:             c.IssuedBy,
		CreatedAt:            c.CreatedAt,
	}
}

// CodeLedger issues, lists, revokes and consumes redeem codes.
type CodeLedger struct {
	ledger database.Ledger
}

// NewCodeLedger creates a new code ledger.
func NewCodeLedger(ledger database.Ledger) *CodeLedger {
	return &CodeLedger{ledger: ledger}
}

// Issue creates a code worth req.Slots for up to req.MaxRedemptions accounts.
func (l *CodeLedger) Issue(ctx context.Context, issuer string, req IssueRequest) (*CodeInfo, error) {
	if req.Slots <= 0 {
		return nil, fmt.Errorf("%w: slots must be positive", ErrInvalidArgument)
	}
	if req.MaxRedemptions <= 0 {
		return nil, fmt.Errorf("%w: max_redemptions must be positive", ErrInvalidArgument)
	}
	explicit := strings.TrimSpace(req.Code)
	if explicit != "" && !explicitCodePattern.MatchString(explicit) {
		return nil, fmt.Errorf("%w: code must be 4-64 letters, digits, '_' or '-'", ErrInvalidArgument)
	}

	code := &database.RedeemCode{
		Slots:                req.Slots,
		MaxRedemptions:       req.MaxRedemptions,
		RemainingRedemptions: req.MaxRedemptions,
		IssuedBy:             issuer,
		CreatedAt:            time.Now().UTC(),
	}

	err := l.ledger.InTx(ctx, func(tx database.Tx) error {
		if err := requireAdmin(ctx, tx, issuer); err != nil {
			return err
		}
		if explicit != "" {
			code.Code = explicit
			return tx.InsertCode(ctx, code)
		}
		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			token, err := generateSecureToken(codeLength, codeCharset)
			if err != nil {
				return err
			}
			code.Code = token
			err = tx.InsertCode(ctx, code)
			if !errors.Is(err, database.ErrCodeExists) {
				return err
			}
			slog.Warn("generated redeem code collided, retrying", "attempt", attempt+1)
		}
		return fmt.Errorf("no free code after %d attempts", maxCodeAttempts)
	})
	if err != nil {
		return nil, ledgerError(err, "issue code")
	}

	metrics.CodesIssuedTotal.Inc()
	slog.Info("redeem code issued",
		"code", code.Code,
		"slots", code.Slots,
		"max_redemptions", code.MaxRedemptions,
		"issued_by", issuer,
	)
	return codeInfo(code), nil
}

// Redeem consumes one redemption of code for redeemer inside tx and returns
// the slots it grants. The code row stays locked until tx ends, so it must be
// called before any account lock is taken.
func (l *CodeLedger) Redeem(ctx context.Context, tx database.Tx, code, redeemer string) (int, error) {
	rc, err := tx.LockCode(ctx, code)
	if err != nil {
		return 0, ledgerError(err, "lock code")
	}

	redeemed, err := tx.HasRedeemed(ctx, code, redeemer)
	if err != nil {
		return 0, ledgerError(err, "check redemption history")
	}
	if redeemed {
		return 0, ErrAlreadyRedeemed
	}
	if rc.RemainingRedemptions <= 0 {
		return 0, ErrCodeExhausted
	}

	if err := tx.RecordRedemption(ctx, code, redeemer, rc.Slots); err != nil {
		return 0, ledgerError(err, "record redemption")
	}
	return rc.Slots, nil
}

// List returns every code with its redemption history.
func (l *CodeLedger) List(ctx context.Context, issuer string) ([]*CodeInfo, error) {
	var codes []*database.RedeemCode
	err := l.ledger.InTx(ctx, func(tx database.Tx) error {
		if err := requireAdmin(ctx, tx, issuer); err != nil {
			return err
		}
		var err error
		codes, err = tx.ListCodes(ctx)
		return err
	})
	if err != nil {
		return nil, ledgerError(err, "list codes")
	}

	out := make([]*CodeInfo, 0, len(codes))
	for _, c := range codes {
		out = append(out, codeInfo(c))
	}
	return out, nil
}

// Revoke deletes a code and its history. Redemptions already credited stay.
func (l *CodeLedger) Revoke(ctx context.Context, issuer, code string) error {
	err := l.ledger.InTx(ctx, func(tx database.Tx) error {
		if err := requireAdmin(ctx, tx, issuer); err != nil {
			return err
		}
		if err := tx.DeleteCode(ctx, code); err != nil {
			if errors.Is(err, database.ErrCodeNotFound) {
				return fmt.Errorf("%w: code", ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return ledgerError(err, "revoke code")
	}

	slog.Info("redeem code revoked", "code", code, "revoked_by", issuer)
	return nil
}
