package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexuscrm/agentusage/bootstrap"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the usage analytics server",
	Long: `Start the agentusage server.

The server will:
  - Load configuration from agentusage.yaml (or --config)
  - Or load configuration from AGENTUSAGE_* environment variables
  - Open the usage database and apply migrations
  - Accept usage events and serve summaries, alerts and the live feed
  - Run the anomaly and retention passes in the background

Environment variables (for container deployments):
  AGENTUSAGE_DATABASE_DRIVER - sqlite or memory (default: sqlite)
  AGENTUSAGE_DATABASE_DSN    - Database path (default: agentusage.db)
  AGENTUSAGE_SERVER_PORT     - Server port (default: 8080)
  AGENTUSAGE_WEBHOOK_SECRET  - Shared secret for signed ingestion
  AGENTUSAGE_LOG_LEVEL       - Log level: debug, info, warn, error

Examples:
  agentusage serve
  agentusage serve --config /etc/agentusage/config.yaml
  agentusage serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Version:    version,
		Watch:      hotReload,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Run blocks until SIGINT/SIGTERM.
	return app.Run(context.Background())
}
