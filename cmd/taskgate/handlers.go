package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/config"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/observability"
	"github.com/haasonsaas/taskgate/internal/routing"
	"github.com/haasonsaas/taskgate/internal/storage"
	"github.com/haasonsaas/taskgate/pkg/models"
)

// loadConfig loads path, falling back to built-in defaults when the default
// config file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			slog.Warn("config file not found; using defaults", "config", path)
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Serve
// =============================================================================

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting taskgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"ledger", cfg.Ledger.Backend,
	)

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown cleanup error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	logger.Info("taskgate started",
		"http_addr", cfg.Server.HTTPAddr(),
		"grpc_addr", cfg.Server.GRPCAddr(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	return a.server.Stop(stopCtx)
}

// =============================================================================
// Migrations
// =============================================================================

func openMigrator(ctx context.Context, configPath string) (*sql.DB, *storage.Migrator, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("database.url is required for migrations")
	}
	db, err := storage.Open(ctx, cfg.Database.URL, cfg.Database.Pool())
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db, storage.WithMigrationLogger(slog.Default()))
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return db, migrator, nil
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, entry := range applied {
		fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, entry := range pending {
		fmt.Fprintf(out, "  - %s\n", entry.ID)
	}
	return nil
}

// =============================================================================
// Inspection
// =============================================================================

func runRoutes(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := routing.NewRegistry(cfg.Routes)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tBACKEND\tTIMEOUT\tCOST\tRETRYABLE\tMAX RETRIES")
	for _, entry := range registry.Entries() {
		r := entry.Route
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%d\n",
			entry.Operation, r.Backend, r.Timeout, r.CreditCost, r.Retryable, r.MaxRetries)
	}
	return w.Flush()
}

// entryLister reads ledger history.
type entryLister interface {
	Entries(ctx context.Context, tenantID string, limit int) ([]ledger.Entry, error)
}

func runCreditsEntries(cmd *cobra.Command, configPath, tenantID string, limit int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required to inspect the ledger")
	}
	db, err := storage.Open(cmd.Context(), cfg.Database.URL, cfg.Database.Pool())
	if err != nil {
		return err
	}
	defer db.Close()
	return printEntries(cmd.Context(), cmd.OutOrStdout(), ledger.NewCockroachLedger(db), tenantID, limit)
}

func printEntries(ctx context.Context, out io.Writer, lister entryLister, tenantID string, limit int) error {
	entries, err := lister.Entries(ctx, tenantID, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "No ledger entries for %s.\n", tenantID)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSACTION\tAMOUNT\tREASON\tREVERSES\tCREATED")
	for _, entry := range entries {
		reverses := entry.ReversesID
		if reverses == "" {
			reverses = "-"
		}
		fmt.Fprintf(w, "%s\t%+d\t%s\t%s\t%s\n",
			entry.TransactionID, entry.Amount, entry.Reason, reverses, entry.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTokenIssue(cmd *cobra.Command, configPath, userID, tenantID, email string, expiry time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if expiry > 0 {
		cfg.Auth.TokenExpiry = expiry
	}
	service := auth.NewService(cfg.Auth)
	token, err := service.GenerateJWT(&models.User{ID: userID, TenantID: tenantID, Email: email})
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			return errors.New("auth.jwt_secret is required to issue tokens")
		}
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
