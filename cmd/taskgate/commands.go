package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch gateway",
		Long: `Start the dispatch gateway.

The server will:
1. Load configuration from the specified file (or taskgate.yaml)
2. Open the run, job and credit stores
3. Connect the edge and cluster backends behind circuit breakers
4. Serve the HTTP API, health checks and metrics
5. Serve gRPC health checks when a gRPC port is configured

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  taskgate serve

  # Start with debug logging
  taskgate serve --config /etc/taskgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the CockroachDB schema for runs, jobs and the credit ledger.

Requires database.url in the configuration.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Example: `  # Apply all pending migrations
  taskgate migrate up

  # Apply only the next migration
  taskgate migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		Long: `Rollback the last N database migrations.

Rolling back drops ledger and run tables. Use with caution in production.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

// buildRoutesCmd prints the effective routing table.
func buildRoutesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the routing table",
		Long: `Print every operation with its backend, timeout, credit cost and retry
policy after configuration overrides are applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: built-in routes)")
	return cmd
}

// buildTokenCmd creates the "token" command group.
func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Local credential commands",
	}
	cmd.AddCommand(buildTokenIssueCmd())
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		tenantID   string
		email      string
		expiry     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a locally signed token",
		Example: `  # Issue a token for a user in tenant acme
  taskgate token issue --user alice --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, resolveConfigPath(configPath), userID, tenantID, email, expiry)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (default: user ID)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default: auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

// buildCreditsCmd creates the "credits" command group.
func buildCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect the credit ledger",
		Long: `Inspect tenant balances and ledger entries in the CockroachDB ledger.

Requires database.url in the configuration.`,
	}
	cmd.AddCommand(buildCreditsEntriesCmd())
	return cmd
}

func buildCreditsEntriesCmd() *cobra.Command {
	var (
		configPath string
		tenantID   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List a tenant's ledger entries",
		Example: `  # Show the last charges and refunds of tenant acme
  taskgate credits entries --tenant acme --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreditsEntries(cmd, resolveConfigPath(configPath), tenantID, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to list (0 = all)")
	_ = cmd.MarkFlagRequired("tenant") //nolint:errcheck
	return cmd
}
