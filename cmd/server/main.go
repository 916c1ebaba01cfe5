package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"pagedrop/internal/server/api"
	"pagedrop/internal/server/config"
	"pagedrop/internal/server/database"
	"pagedrop/internal/server/service"
	"pagedrop/internal/server/storage"
	"pagedrop/internal/tracing"
)

var version = "dev"

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"db_max_conns", cfg.DBMaxConns,
		"max_file_size", cfg.MaxFileSize,
		"default_quota", cfg.DefaultQuota,
		"upload_kinds", cfg.UploadKinds,
		"admins", len(cfg.AdminUsers),
	)

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize storage
	store := storage.NewArtifactStore(cfg.StoragePath, storage.Limits{
		MaxExtractedSize: cfg.MaxExtractedSize,
		MaxEntries:       cfg.MaxArchiveEntries,
	})
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("artifact storage initialized", "path", cfg.StoragePath)

	// Initialize repository and services
	repo := database.NewRepository(db)
	accounts := service.NewAccountService(repo, cfg)
	codes := service.NewCodeLedger(repo)

	if err := seedAdmins(ctx, accounts, cfg.AdminUsers); err != nil {
		slog.Error("failed to seed admin accounts", "error", err)
		os.Exit(1)
	}

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(store, cfg.CleanupInterval, cfg.StagingTTL)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(api.Services{
		Accounts:   accounts,
		Codes:      codes,
		Redemption: service.NewRedemptionService(repo, codes),
		Ingest:     service.NewIngestService(repo, store, cfg),
		Sites:      service.NewSiteService(repo, store, cfg),
		Ledger:     repo,
	}, cfg)
	e := api.SetupRouter(handler)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL, "version", version)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server exited cleanly")
}

// seedAdmins creates or promotes the configured admin accounts.
func seedAdmins(ctx context.Context, accounts *service.AccountService, admins map[string]string) error {
	names := make([]string, 0, len(admins))
	for name := range admins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := accounts.EnsureAdmin(ctx, name, admins[name]); err != nil {
			return fmt.Errorf("admin %s: %w", name, err)
		}
	}
	return nil
}
