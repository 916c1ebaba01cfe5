package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pagedrop/internal/server/metrics"
)

// CleanupService periodically removes staging directories abandoned by
// crashed or killed uploads. In-flight work is protected by the TTL: only
// entries untouched for longer than ttl are removed.
type CleanupService struct {
	store    *ArtifactStore
	interval time.Duration
	ttl      time.Duration
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(store *ArtifactStore, interval, ttl time.Duration) *CleanupService {
	return &CleanupService{
		store:    store,
		interval: interval,
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "staging_ttl", cs.ttl)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup()

		for {
			select {
			case <-ticker.C:
				cs.runCleanup()
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup() {
	removed, failed, err := cs.store.SweepStaging(time.Now().Add(-cs.ttl))
	if err != nil {
		slog.Error("failed to sweep staging directory", "error", err)
		return
	}
	if removed == 0 && failed == 0 {
		return
	}
	metrics.StagingSweptTotal.Add(float64(removed))
	slog.Info("cleanup cycle complete",
		"removed", removed,
		"failed", failed,
	)
}

// SweepStaging removes staging entries last modified before cutoff.
func (s *ArtifactStore) SweepStaging(cutoff time.Time) (removed, failed int, err error) {
	entries, err := os.ReadDir(s.stagingRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read staging directory: %w", err)
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.stagingRoot(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Error("failed to remove stale staging entry", "path", path, "error", err)
			failed++
			continue
		}
		slog.Info("removed stale staging entry", "path", path, "modified", info.ModTime())
		removed++
	}
	return removed, failed, nil
}
