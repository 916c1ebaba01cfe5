package database

import (
	"context"
	"errors"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrQuotaExhausted  = errors.New("quota exhausted")
	ErrCodeNotFound    = errors.New("redeem code not found")
	ErrCodeExists      = errors.New("redeem code already exists")
	ErrCodeExhausted   = errors.New("redeem code exhausted")
	ErrAlreadyRedeemed = errors.New("redeem code already used by account")
	ErrSiteNotFound    = errors.New("site not found")
)

// Ledger runs units of work against the account, code and site tables.
// Everything fn does through the Tx commits together or not at all.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	HealthCheck(ctx context.Context) error
}

// Tx is the set of operations available inside a Ledger transaction.
//
// Lock* methods hold the row until the transaction ends, as do site writes.
// Lock order is code, then account, then site row. Anything that writes a
// site row or touches the site tree must hold the owner's account first.
type Tx interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, username string) (*Account, error)
	LockAccount(ctx context.Context, username string) (*Account, error)
	// AdjustQuota adds delta to the balance. A non-admin balance that would
	// drop below zero fails with ErrQuotaExhausted and is left unchanged.
	AdjustQuota(ctx context.Context, username string, delta int64) (*Account, error)
	SetAdmin(ctx context.Context, username string, isAdmin bool) error
	ListAccounts(ctx context.Context) ([]*Account, error)

	InsertCode(ctx context.Context, code *RedeemCode) error
	LockCode(ctx context.Context, code string) (*RedeemCode, error)
	HasRedeemed(ctx context.Context, code, username string) (bool, error)
	// RecordRedemption decrements the remaining counter and appends the
	// account to the code's history.
	RecordRedemption(ctx context.Context, code, username string, slots int) error
	DeleteCode(ctx context.Context, code string) error
	ListCodes(ctx context.Context) ([]*RedeemCode, error)

	UpsertSite(ctx context.Context, site *Site) error
	DeleteSite(ctx context.Context, owner, name string) error
	ListSites(ctx context.Context, owner string) ([]*Site, error)

	Stats(ctx context.Context) (*Stats, error)
}
