package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentusage",
	Short: "Agent usage analytics and alerting engine",
	Long: `agentusage ingests conversational-agent usage events, folds them into
daily per-user aggregates, and raises tier limit and anomaly alerts.

Quick start:
  agentusage serve     # Start the ingest, query and live API

Operations:
  agentusage validate  # Validate configuration
  agentusage tiers     # Show the tier catalog
  agentusage rebuild   # Recompute aggregates from stored events`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "agentusage.yaml", "config file path")
}
