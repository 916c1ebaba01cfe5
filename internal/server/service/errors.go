package service

import (
	"context"
	"errors"
	"fmt"

	"pagedrop/internal/server/database"
	"pagedrop/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("not authorized")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrQuotaExhausted     = errors.New("upload quota exhausted")
	ErrInvalidCode        = errors.New("invalid redeem code")
	ErrCodeExhausted      = errors.New("redeem code has no redemptions left")
	ErrAlreadyRedeemed    = errors.New("redeem code already used by this account")
	ErrBadArchive         = errors.New("upload rejected")
	ErrIOFailure          = errors.New("storage failure")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
)

// ledgerError translates database sentinels. Anything unrecognised is
// returned wrapped so callers still see the cause.
func ledgerError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrAccountNotFound):
		return fmt.Errorf("%w: account", ErrNotFound)
	case errors.Is(err, database.ErrSiteNotFound):
		return fmt.Errorf("%w: site", ErrNotFound)
	case errors.Is(err, database.ErrAccountExists):
		return fmt.Errorf("%w: account", ErrAlreadyExists)
	case errors.Is(err, database.ErrCodeExists):
		return fmt.Errorf("%w: code", ErrAlreadyExists)
	case errors.Is(err, database.ErrQuotaExhausted):
		return ErrQuotaExhausted
	case errors.Is(err, database.ErrCodeNotFound):
		return ErrInvalidCode
	case errors.Is(err, database.ErrCodeExhausted):
		return ErrCodeExhausted
	case errors.Is(err, database.ErrAlreadyRedeemed):
		return ErrAlreadyRedeemed
	case isServiceError(err), isContextError(err):
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// storeError translates artifact store sentinels. Unknown failures are IO.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrBadArchive):
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	case errors.Is(err, storage.ErrInvalidName):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, storage.ErrSiteNotFound), errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case isContextError(err):
		return err
	}
	return fmt.Errorf("%w: %v", ErrIOFailure, err)
}

var serviceErrors = []error{
	ErrNotFound, ErrAlreadyExists, ErrUnauthorized, ErrInvalidCredentials,
	ErrQuotaExhausted, ErrInvalidCode, ErrCodeExhausted, ErrAlreadyRedeemed,
	ErrBadArchive, ErrIOFailure, ErrInvalidArgument, ErrFileTooLarge,
}

func isServiceError(err error) bool {
	for _, target := range serviceErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
