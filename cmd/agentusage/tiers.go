package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexuscrm/agentusage/config"
	"github.com/nexuscrm/agentusage/domain/tier"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show the configured tier catalog",
	Long: `Print each subscription tier with its limits and allowed agents.
A limit of 0 means unlimited.

Examples:
  agentusage tiers
  agentusage tiers --config /etc/agentusage/config.yaml`,
	RunE: runTiers,
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	catalog, err := tier.NewCatalog(cfg.Tiers)
	if err != nil {
		return fmt.Errorf("tier catalog: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tDAILY INTERACTIONS\tMONTHLY TOKENS\tAGENTS")
	for _, l := range catalog.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			l.Name,
			formatLimit(l.DailyInteractionLimit),
			formatLimit(l.MonthlyTokenLimit),
			strings.Join(l.AllowedAgents, ","))
	}
	return w.Flush()
}

func formatLimit(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
