package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velariq/tokengate/bootstrap"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the tokengate HTTP server.

The server will:
  - Load configuration from tokengate.yaml (or --config)
  - Or load configuration from TOKENGATE_* environment variables
  - Open the ledger store and apply migrations
  - Connect to redis when redis.addr is set
  - Schedule the monthly usage reset

Environment variables (for container deployments):
  TOKENGATE_DATABASE_DRIVER       - sqlite, postgres or memory
  TOKENGATE_DATABASE_DSN          - Database path or DSN (default: tokengate.db)
  TOKENGATE_SERVER_PORT           - Server port (default: 8080)
  TOKENGATE_REDIS_ADDR            - Redis address (default: disabled)
  TOKENGATE_BILLING_PROVIDER      - stripe or none
  TOKENGATE_STRIPE_SECRET_KEY     - Stripe API key
  TOKENGATE_STRIPE_WEBHOOK_SECRET - Stripe webhook signing secret
  TOKENGATE_LOG_LEVEL             - Log level: debug, info, warn, error

Examples:
  tokengate serve
  tokengate serve --config /etc/tokengate/config.yaml
  tokengate serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cmd.Context(), bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      hotReload,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
