package database

import (
	"context"
	"fmt"
)

// UpsertSite records a site under its owner, refreshing the metadata of an
// existing row on re-upload.
func (t *pgTx) UpsertSite(ctx context.Context, site *Site) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sites (owner, name, entry, file_count, size_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (owner, name) DO UPDATE SET
			entry      = EXCLUDED.entry,
			file_count = EXCLUDED.file_count,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at
	`,
		site.Owner,
		site.Name,
		site.Entry,
		site.FileCount,
		site.SizeBytes,
		site.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert site: %w", err)
	}
	return nil
}

// DeleteSite removes a site record.
func (t *pgTx) DeleteSite(ctx context.Context, owner, name string) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM sites WHERE owner = $1 AND name = $2", owner, name)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSiteNotFound
	}
	return nil
}

// ListSites returns the sites recorded for owner.
func (t *pgTx) ListSites(ctx context.Context, owner string) ([]*Site, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT owner, name, entry, file_count, size_bytes, created_at, updated_at
		FROM sites WHERE owner = $1 ORDER BY name
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		s := &Site{}
		if err := rows.Scan(
			&s.Owner,
			&s.Name,
			&s.Entry,
			&s.FileCount,
			&s.SizeBytes,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}
