package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pagedrop/internal/server/config"
	"pagedrop/internal/server/database"
	"pagedrop/internal/server/storage"

	"golang.org/x/crypto/bcrypt"
)

// AccountInfo is the public view of an account.
type AccountInfo struct {
	Username  string    `json:"username"`
	Quota     int64     `json:"quota"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func accountInfo(a *database.Account) *AccountInfo {
	return &AccountInfo{
		Username:  a.Username,
		Quota:     a.QuotaRemaining,
		IsAdmin:   a.IsAdmin,
		CreatedAt: a.CreatedAt,
	}
}

// bcrypt only looks at the first 72 bytes.
const maxPasswordBytes = 72

// AccountService owns account creation, credentials and quota balances.
type AccountService struct {
	ledger       database.Ledger
	defaultQuota int64
	hashCost     int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewAccountService creates a new account service.
func NewAccountService(ledger database.Ledger, cfg *config.Config) *AccountService {
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &AccountService{
		ledger:       ledger,
		defaultQuota: cfg.DefaultQuota,
		hashCost:     cost,
	}
}

// Create registers a non-admin account with the default quota grant.
func (s *AccountService) Create(ctx context.Context, username, password string) (*AccountInfo, error) {
	if !storage.ValidName(username) {
		return nil, fmt.Errorf("%w: username must be 1-64 letters, digits, '.', '_' or '-'", ErrInvalidArgument)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidArgument)
	}
	if len(password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: password is longer than %d bytes", ErrInvalidArgument, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &database.Account{
		Username:       username,
		PasswordHash:   string(hash),
		QuotaRemaining: s.defaultQuota,
		CreatedAt:      time.Now().UTC(),
	}
	err = s.ledger.InTx(ctx, func(tx database.Tx) error {
		return tx.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, ledgerError(err, "create account")
	}

	slog.Info("account created", "username", username, "quota", account.QuotaRemaining)
	return accountInfo(account), nil
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords fail identically.
func (s *AccountService) Authenticate(ctx context.Context, username, password string) (*AccountInfo, error) {
	var account *database.Account
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		var err error
		account, err = tx.GetAccount(ctx, username)
		return err
	})
	if err != nil && !errors.Is(err, database.ErrAccountNotFound) {
		return nil, ledgerError(err, "load account")
	}

	if account == nil {
		// Burn the same work as a real comparison.
		bcrypt.CompareHashAndPassword(s.fallbackHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return accountInfo(account), nil
}

func (s *AccountService) fallbackHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("pagedrop-unknown-user"), s.hashCost)
	})
	return s.dummyHash
}

// Get returns an account by exact username.
func (s *AccountService) Get(ctx context.Context, username string) (*AccountInfo, error) {
	var account *database.Account
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		var err error
		account, err = tx.GetAccount(ctx, username)
		return err
	})
	if err != nil {
		return nil, ledgerError(err, "load account")
	}
	return accountInfo(account), nil
}

// AdjustQuota applies delta to the balance in its own transaction.
func (s *AccountService) AdjustQuota(ctx context.Context, username string, delta int64) (*AccountInfo, error) {
	var account *database.Account
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		var err error
		account, err = tx.AdjustQuota(ctx, username, delta)
		return err
	})
	if err != nil {
		return nil, ledgerError(err, "adjust quota")
	}
	return accountInfo(account), nil
}

// List returns every account. actor must be an admin.
func (s *AccountService) List(ctx context.Context, actor string) ([]*AccountInfo, error) {
	var accounts []*database.Account
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		if err := requireAdmin(ctx, tx, actor); err != nil {
			return err
		}
		var err error
		accounts, err = tx.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return nil, ledgerError(err, "list accounts")
	}

	out := make([]*AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountInfo(a))
	}
	return out, nil
}

// Stats returns aggregate counters. actor must be an admin.
func (s *AccountService) Stats(ctx context.Context, actor string) (*database.Stats, error) {
	var stats *database.Stats
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		if err := requireAdmin(ctx, tx, actor); err != nil {
			return err
		}
		var err error
		stats, err = tx.Stats(ctx)
		return err
	})
	if err != nil {
		return nil, ledgerError(err, "load stats")
	}
	return stats, nil
}

// EnsureAdmin makes sure username exists with the admin flag set. A missing
// account is created with password; an existing one is promoted and keeps
// its current password.
func (s *AccountService) EnsureAdmin(ctx context.Context, username, password string) error {
	if !storage.ValidName(username) || password == "" {
		return fmt.Errorf("%w: admin %q", ErrInvalidArgument, username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	created := false
	err = s.ledger.InTx(ctx, func(tx database.Tx) error {
		existing, err := tx.LockAccount(ctx, username)
		if errors.Is(err, database.ErrAccountNotFound) {
			created = true
			return tx.CreateAccount(ctx, &database.Account{
				Username:       username,
				PasswordHash:   string(hash),
				IsAdmin:        true,
				QuotaRemaining: s.defaultQuota,
				CreatedAt:      time.Now().UTC(),
			})
		}
		if err != nil {
			return err
		}
		if existing.IsAdmin {
			return nil
		}
		return tx.SetAdmin(ctx, username, true)
	})
	if err != nil {
		return ledgerError(err, "seed admin")
	}

	slog.Info("admin account ready", "username", username, "created", created)
	return nil
}

// requireAdmin fails with ErrUnauthorized unless username is an admin.
func requireAdmin(ctx context.Context, tx database.Tx, username string) error {
	account, err := tx.GetAccount(ctx, username)
	if errors.Is(err, database.ErrAccountNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !account.IsAdmin {
		return ErrUnauthorized
	}
	return nil
}
