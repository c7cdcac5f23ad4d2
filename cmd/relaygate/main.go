// Package main provides the CLI entry point for RelayGate, an
// authenticating, role-aware AI query gateway.
//
// RelayGate verifies caller identity against an OIDC-compatible issuer,
// restricts which backend tool servers a caller may reach by role, fans
// a query out to every accessible tool server concurrently, assembles
// the results into a two-block LLM prompt, and streams the model's
// response back to the caller over Server-Sent Events.
//
// # Basic Usage
//
// Start the gateway:
//
//	relaygate serve --config relaygate.yaml
//
// Check configuration and connectivity:
//
//	relaygate healthcheck --config relaygate.yaml
//
// # Environment Variables
//
// Configuration can be provided via environment variables referenced
// from the YAML file with ${VAR} / $VAR syntax:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for the LLM Client
//   - RELAYGATE_CONFIG: Path to configuration file (default: relaygate.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relaygate",
		Short: "RelayGate - authenticating, role-aware AI query gateway",
		Long: `RelayGate authenticates callers, restricts tool access by role, fans a
query out to every accessible backend tool server, and streams an LLM's
answer back over Server-Sent Events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildHealthcheckCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("RELAYGATE_CONFIG"); env != "" {
		return env
	}
	return "relaygate.yaml"
}
