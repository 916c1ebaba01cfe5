// Package dbtest provides an in-memory database.Ledger for tests.
//
// It mirrors the Postgres semantics the services rely on: Lock* calls and
// site writes take per-row locks held until the transaction ends, and a
// failed transaction undoes every write it made.
package dbtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pagedrop/internal/server/database"
)

type siteKey struct{ owner, name string }

type redemption struct {
	username string
	slots    int
}

var _ database.Ledger = (*Ledger)(nil)

// Ledger is an in-memory database.Ledger.
type Ledger struct {
	mu          sync.Mutex
	accounts    map[string]*database.Account
	codes       map[string]*database.RedeemCode
	redemptions map[string][]redemption
	sites       map[siteKey]*database.Site
	rowLocks    map[string]*sync.Mutex
	commitErr   error
	healthErr   error
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts:    make(map[string]*database.Account),
		codes:       make(map[string]*database.RedeemCode),
		redemptions: make(map[string][]redemption),
		sites:       make(map[siteKey]*database.Site),
		rowLocks:    make(map[string]*sync.Mutex),
	}
}

// FailNextCommit makes the next transaction whose fn succeeds fail at commit
// time with err, rolling back its writes.
func (l *Ledger) FailNextCommit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitErr = err
}

// SetHealth sets the error returned by HealthCheck.
func (l *Ledger) SetHealth(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healthErr = err
}

// HealthCheck implements database.Ledger.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthErr
}

// InTx implements database.Ledger.
func (l *Ledger) InTx(ctx context.Context, fn func(tx database.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{l: l, held: make(map[string]*sync.Mutex)}
	defer tx.release()

	err := fn(tx)
	if err == nil {
		l.mu.Lock()
		err, l.commitErr = l.commitErr, nil
		l.mu.Unlock()
	}
	if err != nil {
		tx.rollback()
	}
	return err
}

// Account returns a copy of the stored account, or nil.
func (l *Ledger) Account(username string) *database.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[username]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// Code returns a copy of the stored code with its history, or nil.
func (l *Ledger) Code(code string) *database.RedeemCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.codes[code]
	if !ok {
		return nil
	}
	return l.codeCopyLocked(c)
}

func (l *Ledger) codeCopyLocked(c *database.RedeemCode) *database.RedeemCode {
	cp := *c
	cp.RedeemedBy = []string{}
	for _, r := range l.redemptions[c.Code] {
		cp.RedeemedBy = append(cp.RedeemedBy, r.username)
	}
	return &cp
}

func (l *Ledger) rowLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		l.rowLocks[key] = m
	}
	return m
}

type memTx struct {
	l     *Ledger
	held  map[string]*sync.Mutex
	order []string
	undo  []func()
}

func (t *memTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.l.rowLock(key)
	m.Lock()
	t.held[key] = m
	t.order = append(t.order, key)
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.held[t.order[i]].Unlock()
	}
	t.held = nil
	t.order = nil
}

func (t *memTx) rollback() {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) CreateAccount(ctx context.Context, account *database.Account) error {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if _, ok := t.l.accounts[account.Username]; ok {
		return database.ErrAccountExists
	}
	cp := *account
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	t.l.accounts[account.Username] = &cp
	t.undo = append(t.undo, func() { delete(t.l.accounts, account.Username) })
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, username string) (*database.Account, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	a, ok := t.l.accounts[username]
	if !ok {
		return nil, database.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) LockAccount(ctx context.Context, username string) (*database.Account, error) {
	t.lock("account:" + username)
	return t.GetAccount(ctx, username)
}

func (t *memTx) AdjustQuota(ctx context.Context, username string, delta int64) (*database.Account, error) {
	t.lock("account:" + username)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	a, ok := t.l.accounts[username]
	if !ok {
		return nil, database.ErrAccountNotFound
	}
	if !a.IsAdmin && a.QuotaRemaining+delta < 0 {
		return nil, database.ErrQuotaExhausted
	}
	prev := a.QuotaRemaining
	a.QuotaRemaining += delta
	t.undo = append(t.undo, func() { a.QuotaRemaining = prev })
	cp := *a
	return &cp, nil
}

func (t *memTx) SetAdmin(ctx context.Context, username string, isAdmin bool) error {
	t.lock("account:" + username)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	a, ok := t.l.accounts[username]
	if !ok {
		return database.ErrAccountNotFound
	}
	prev := a.IsAdmin
	a.IsAdmin = isAdmin
	t.undo = append(t.undo, func() { a.IsAdmin = prev })
	return nil
}

func (t *memTx) ListAccounts(ctx context.Context) ([]*database.Account, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	out := make([]*database.Account, 0, len(t.l.accounts))
	for _, a := range t.l.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (t *memTx) InsertCode(ctx context.Context, code *database.RedeemCode) error {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if _, ok := t.l.codes[code.Code]; ok {
		return database.ErrCodeExists
	}
	if _, ok := t.l.accounts[code.IssuedBy]; !ok {
		return errors.New("dbtest: issuer does not exist")
	}
	cp := *code
	cp.RedeemedBy = nil
	t.l.codes[code.Code] = &cp
	t.undo = append(t.undo, func() { delete(t.l.codes, code.Code) })
	return nil
}

func (t *memTx) LockCode(ctx context.Context, code string) (*database.RedeemCode, error) {
	t.lock("code:" + code)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	c, ok := t.l.codes[code]
	if !ok {
		return nil, database.ErrCodeNotFound
	}
	cp := *c
	cp.RedeemedBy = nil
	return &cp, nil
}

func (t *memTx) HasRedeemed(ctx context.Context, code, username string) (bool, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	for _, r := range t.l.redemptions[code] {
		if r.username == username {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) RecordRedemption(ctx context.Context, code, username string, slots int) error {
	t.lock("code:" + code)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	c, ok := t.l.codes[code]
	if !ok || c.RemainingRedemptions <= 0 {
		return database.ErrCodeExhausted
	}
	for _, r := range t.l.redemptions[code] {
		if r.username == username {
			return database.ErrAlreadyRedeemed
		}
	}

	prevHistory := t.l.redemptions[code]
	c.RemainingRedemptions--
	t.l.redemptions[code] = append(append([]redemption(nil), prevHistory...), redemption{username: username, slots: slots})
	t.undo = append(t.undo, func() {
		c.RemainingRedemptions++
		if prevHistory == nil {
			delete(t.l.redemptions, code)
		} else {
			t.l.redemptions[code] = prevHistory
		}
	})
	return nil
}

func (t *memTx) DeleteCode(ctx context.Context, code string) error {
	t.lock("code:" + code)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	c, ok := t.l.codes[code]
	if !ok {
		return database.ErrCodeNotFound
	}
	history := t.l.redemptions[code]
	delete(t.l.codes, code)
	delete(t.l.redemptions, code)
	t.undo = append(t.undo, func() {
		t.l.codes[code] = c
		if history != nil {
			t.l.redemptions[code] = history
		}
	})
	return nil
}

func (t *memTx) ListCodes(ctx context.Context) ([]*database.RedeemCode, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	out := make([]*database.RedeemCode, 0, len(t.l.codes))
	for _, c := range t.l.codes {
		out = append(out, t.l.codeCopyLocked(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (t *memTx) UpsertSite(ctx context.Context, site *database.Site) error {
	t.lock("site:" + site.Owner + "/" + site.Name)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	key := siteKey{site.Owner, site.Name}
	prev, existed := t.l.sites[key]
	cp := *site
	if existed {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = site.UpdatedAt
	}
	t.l.sites[key] = &cp
	t.undo = append(t.undo, func() {
		if existed {
			t.l.sites[key] = prev
		} else {
			delete(t.l.sites, key)
		}
	})
	return nil
}

func (t *memTx) DeleteSite(ctx context.Context, owner, name string) error {
	t.lock("site:" + owner + "/" + name)

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	key := siteKey{owner, name}
	prev, ok := t.l.sites[key]
	if !ok {
		return database.ErrSiteNotFound
	}
	delete(t.l.sites, key)
	t.undo = append(t.undo, func() { t.l.sites[key] = prev })
	return nil
}

func (t *memTx) ListSites(ctx context.Context, owner string) ([]*database.Site, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	var out []*database.Site
	for key, s := range t.l.sites {
		if key.owner == owner {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *memTx) Stats(ctx context.Context) (*database.Stats, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	stats := &database.Stats{
		Accounts: int64(len(t.l.accounts)),
		Sites:    int64(len(t.l.sites)),
		Codes:    int64(len(t.l.codes)),
	}
	for _, h := range t.l.redemptions {
		stats.Redemptions += int64(len(h))
	}
	for _, a := range t.l.accounts {
		if !a.IsAdmin {
			stats.QuotaOutstanding += a.QuotaRemaining
		}
	}
	for _, s := range t.l.sites {
		stats.StorageUsed += s.SizeBytes
	}
	return stats, nil
}
