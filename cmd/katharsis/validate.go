package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/katharsis/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a Katharsis configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  katharsis validate -c config.yaml
  katharsis validate --config /etc/katharsis/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// catches errors only the SDK checks, such as source URL construction
	if _, err := config.BuildOptions(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	endpoint := cfg.Widget.Endpoint
	if endpoint == "" {
		endpoint = "/katharsis.json"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:          %d\n", cfg.Port)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Fprintf(out, "  Sources:       %d\n", cfg.SourceCount())
	fmt.Fprintf(out, "  Widget:        %s\n", endpoint)
	fmt.Fprintf(out, "  Sentry:        %t\n", cfg.Sentry.DSN != "")

	return nil
}
