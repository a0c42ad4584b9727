// Package commands implements the ruleops command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/ruleops/config"
)

// Version is the build version reported by the binary and its telemetry.
var Version = "dev"

var (
	// Global flags
	configPath string
	logLevel   string
	format     string
	serverURL  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ruleops",
	Short: "Execute and manage business rules",
	Long: `ruleops loads rules from a registry or a directory, caches them, and
executes them in parallel, sequential or mixed mode.

Configuration comes from an optional YAML file (--config) and RULEOPS_*
environment variables.

Examples:
  ruleops serve --config ruleops.yaml
  ruleops run --selector billing.yaml --input order.json
  ruleops versions --server http://localhost:8080
  ruleops rollback pricing.discount --server http://localhost:8080`,
	SilenceUsage: true,
	Version:      Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Observe.LogLevel = logLevel
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		cfg = c
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override observe.log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "json", "Output format (json, yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of a running ruleops server")
}
