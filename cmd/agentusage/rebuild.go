package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexuscrm/agentusage/bootstrap"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute daily aggregates from stored events",
	Long: `Recompute daily aggregates for a date range from the immutable event log
and replace the stored rows. Use after restoring events or to repair
aggregates. Run it while the server is stopped.

Examples:
  agentusage rebuild --from 2026-03-01 --to 2026-03-31`,
	RunE: runRebuild,
}

var (
	rebuildFrom string
	rebuildTo   string
)

func init() {
	rootCmd.AddCommand(rebuildCmd)

	rebuildCmd.Flags().StringVar(&rebuildFrom, "from", "", "first date to rebuild (YYYY-MM-DD)")
	rebuildCmd.Flags().StringVar(&rebuildTo, "to", "", "last date to rebuild (YYYY-MM-DD)")
	rebuildCmd.MarkFlagRequired("from")
	rebuildCmd.MarkFlagRequired("to")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{ConfigPath: cfgFile, Version: version, LogOutput: os.Stderr})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := app.Aggregator.Rebuild(ctx, rebuildFrom, rebuildTo)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Rebuilt %d aggregates for %s to %s\n", checkMark, n, rebuildFrom, rebuildTo)
	return nil
}
