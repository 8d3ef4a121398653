// Package main provides the CLI entry point for the taskgate dispatch service.
//
// taskgate authenticates callers, charges tenant credits, routes each
// operation to its execution backend with retries, and re-queues work through
// the fallback path when a backend is unreachable.
//
// # Basic Usage
//
// Start the server:
//
//	taskgate serve --config taskgate.yaml
//
// Manage database migrations:
//
//	taskgate migrate up
//	taskgate migrate status
//
// Inspect the routing table:
//
//	taskgate routes
//
// # Environment Variables
//
//   - TASKGATE_CONFIG: Path to configuration file (default: taskgate.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "taskgate.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskgate",
		Short: "taskgate - credit-gated task dispatch",
		Long: `taskgate authenticates callers, charges tenant credits and dispatches
operations to the edge or cluster backend. Work that cannot reach its backend
is re-queued as a pending run.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildRoutesCmd(),
		buildTokenCmd(),
		buildCreditsCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then TASKGATE_CONFIG.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("TASKGATE_CONFIG")); env != "" {
		return env
	}
	return path
}
