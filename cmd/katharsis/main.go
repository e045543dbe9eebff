// Package main is the entry point for the katharsis CLI.
//
// Katharsis can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	katharsis serve -c config.yaml                    # Start the dashboard
//	katharsis validate -c config.yaml                 # Validate configuration
//	katharsis render --endpoint https://host/katharsis.json  # Print one rendered page
//	katharsis version                                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "katharsis",
	Short: "A live usage dashboard for Countly metrics",
	Long: `Katharsis is a small usage dashboard.

It collects today's Countly user metrics, serves them as a JSON document
at /katharsis.json, and renders them as panels on a page that a polling
widget keeps up to date.

Quick start:
  1. Create a config file (katharsis.yaml)
  2. Run: katharsis serve -c katharsis.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  countly:
    url: https://countly.example.org/o
    api_key: ${COUNTLY_API_KEY}
    app_id: 5a1b2c3d`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this katharsis binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "katharsis %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
