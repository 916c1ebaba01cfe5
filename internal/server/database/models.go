package database

import "time"

// Account is a registered user. PasswordHash never leaves the server.
type Account struct {
	Username       string
	PasswordHash   string
	IsAdmin        bool
	QuotaRemaining int64
	CreatedAt      time.Time
}

// RedeemCode grants Slots of quota to each of up to MaxRedemptions accounts.
type RedeemCode struct {
	Code                 string
	Slots                int
	MaxRedemptions       int
	RemainingRedemptions int
	IssuedBy             string
	RedeemedBy           []string // filled by list queries only
	CreatedAt            time.Time
}

// Site is the ledger record of a hosted site. The content lives in the
// artifact store; this row tracks what each account has published.
type Site struct {
	Owner     string
	Name      string
	Entry     string
	FileCount int
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	Accounts         int64
	Sites            int64
	Codes            int64
	Redemptions      int64
	QuotaOutstanding int64
	StorageUsed      int64
}
