package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"pagedrop/internal/server/config"
	"pagedrop/internal/server/database"
	"pagedrop/internal/server/storage"
)

// SiteInfo is one entry of an owner's site listing.
type SiteInfo struct {
	Name      string     `json:"site_name"`
	FileCount int        `json:"file_count"`
	Files     []string   `json:"files"`
	Entry     string     `json:"entry"`
	URL       string     `json:"url"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// SiteService lists, serves and removes published sites.
type SiteService struct {
	ledger database.Ledger
	store  *storage.ArtifactStore
	cfg    *config.Config
}

// NewSiteService creates a new site service.
func NewSiteService(ledger database.Ledger, store *storage.ArtifactStore, cfg *config.Config) *SiteService {
	return &SiteService{ledger: ledger, store: store, cfg: cfg}
}

// List returns the sites owner has published. Unknown owners are NotFound.
func (s *SiteService) List(ctx context.Context, owner string) ([]*SiteInfo, error) {
	var records []*database.Site
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		if _, err := tx.GetAccount(ctx, owner); err != nil {
			return err
		}
		var err error
		records, err = tx.ListSites(ctx, owner)
		return err
	})
	if err != nil {
		return nil, ledgerError(err, "list sites")
	}

	summaries, err := s.store.List(owner)
	if err != nil {
		return nil, storeError(err)
	}

	byName := make(map[string]*database.Site, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}

	out := make([]*SiteInfo, 0, len(summaries))
	for _, sum := range summaries {
		info := &SiteInfo{
			Name:      sum.Name,
			FileCount: sum.FileCount,
			Files:     sum.Files,
		}
		if info.Files == nil {
			info.Files = []string{}
		}
		if r, ok := byName[sum.Name]; ok {
			info.Entry = r.Entry
			updated := r.UpdatedAt
			info.UpdatedAt = &updated
		}
		info.URL = siteURL(s.cfg.BaseURL, owner, sum.Name, info.Entry)
		out = append(out, info)
	}
	return out, nil
}

// Delete removes a site tree and its record. Only the owner or an admin
// may delete. Quota spent on the site is not refunded.
func (s *SiteService) Delete(ctx context.Context, actor, owner, site string) error {
	err := s.ledger.InTx(ctx, func(tx database.Tx) error {
		acting, err := tx.GetAccount(ctx, actor)
		if err != nil {
			if errors.Is(err, database.ErrAccountNotFound) {
				return ErrUnauthorized
			}
			return err
		}
		if actor != owner && !acting.IsAdmin {
			return ErrUnauthorized
		}

		// Uploads hold the owner's row from admission until the site lock is
		// released, so taking it here keeps the two from crossing locks.
		if _, err := tx.LockAccount(ctx, owner); err != nil {
			return err
		}

		hadRecord := true
		if err := tx.DeleteSite(ctx, owner, site); err != nil {
			if !errors.Is(err, database.ErrSiteNotFound) {
				return err
			}
			hadRecord = false
		}

		// The tree goes last so a ledger failure above leaves it untouched.
		if err := s.store.Delete(ctx, owner, site); err != nil {
			if errors.Is(err, storage.ErrSiteNotFound) && hadRecord {
				slog.Warn("site record had no tree", "owner", owner, "site", site)
				return nil
			}
			return storeError(err)
		}
		return nil
	})
	if err != nil {
		return ledgerError(err, "delete site")
	}

	slog.Info("site deleted", "owner", owner, "site", site, "deleted_by", actor)
	return nil
}

// Open resolves a request path inside a site to a readable file. The caller
// closes the file.
func (s *SiteService) Open(owner, site, relPath string) (*os.File, fs.FileInfo, error) {
	f, info, err := s.store.Resolve(owner, site, relPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, nil, storeError(err)
	}
	return f, info, nil
}
