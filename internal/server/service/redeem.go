package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"pagedrop/internal/server/database"
	"pagedrop/internal/server/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedeemResult is returned after a successful redemption.
type RedeemResult struct {
	Quota int64 `json:"quota"`
	Slots int   `json:"slots"`
}

// RedemptionService credits accounts from redeem codes.
type RedemptionService struct {
	ledger database.Ledger
	codes  *CodeLedger
}

// NewRedemptionService creates a new redemption service.
func NewRedemptionService(ledger database.Ledger, codes *CodeLedger) *RedemptionService {
	return &RedemptionService{ledger: ledger, codes: codes}
}

// Apply redeems code for username. The code decrement, history entry and
// credit commit together; any failure rolls all three back.
func (s *RedemptionService) Apply(ctx context.Context, username, code string) (*RedeemResult, error) {
	ctx, span := tracer.Start(ctx, "redemption.apply",
		trace.WithAttributes(attribute.String("username", username)),
	)
	defer span.End()

	code = strings.TrimSpace(code)
	if code == "" {
		metrics.RedemptionsTotal.WithLabelValues("invalid_code").Inc()
		return nil, ErrInvalidCode
	}

	var result RedeemResult
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		// Accounts are never deleted, so an unlocked existence check is
		// enough here and keeps the code → account lock order.
		if _, err := tx.GetAccount(ctx, username); err != nil {
			return err
		}

		slots, err := s.codes.Redeem(ctx, tx, code, username)
		if err != nil {
			return err
		}

		if _, err := tx.LockAccount(ctx, username); err != nil {
			return err
		}
		account, err := tx.AdjustQuota(ctx, username, int64(slots))
		if err != nil {
			return err
		}

		result = RedeemResult{Quota: account.QuotaRemaining, Slots: slots}
		return nil
	})
	if err != nil {
		err = ledgerError(err, "redeem code")
		span.RecordError(err)
		metrics.RedemptionsTotal.WithLabelValues(redeemOutcome(err)).Inc()
		slog.Info("redemption rejected", "username", username, "error", err)
		return nil, err
	}

	metrics.RedemptionsTotal.WithLabelValues("redeemed").Inc()
	metrics.QuotaCreditedTotal.Add(float64(result.Slots))
	span.SetAttributes(attribute.Int("slots", result.Slots))
	slog.Info("code redeemed",
		"username", username,
		"code", code,
		"slots", result.Slots,
		"quota", result.Quota,
	)
	return &result, nil
}

func redeemOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, ErrCodeExhausted):
		return "code_exhausted"
	case errors.Is(err, ErrNotFound):
		return "unknown_account"
	}
	return "error"
}
