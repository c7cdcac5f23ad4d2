package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the RelayGate server",
		Long: `Start the RelayGate server.

The server will:
1. Load configuration from the specified file (or relaygate.yaml)
2. Build the Token Verifier, Revocation Store, and Auth Gate
3. Build the Role Router from the configured tool servers
4. Build the Tool Client, Prompt Defense layers, and LLM Client
5. Build the Confirmation Store and Query Orchestrator
6. Serve the HTTP API and a separate Prometheus metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM: in-flight streams are
cancelled, then given a bounded drain window before the process exits.`,
		Example: `  # Start with default config
  relaygate serve

  # Start with custom config
  relaygate serve --config /etc/relaygate/production.yaml

  # Start with debug logging
  relaygate serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// buildHealthcheckCmd creates the "healthcheck" command: load and
// validate configuration without starting a listener.
func buildHealthcheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runHealthcheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
