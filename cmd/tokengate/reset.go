package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/velariq/tokengate/bootstrap"
	"github.com/velariq/tokengate/config"
)

var resetCmd = &cobra.Command{
	Use:   "reset-usage",
	Short: "Start a new billing period for every active account",
	Long: `Zero tokens_used for every account with an active subscription and
flush the authorization cache.

The server runs this on reset.schedule; use this command to run it by hand.

Examples:
  tokengate reset-usage
  tokengate reset-usage --config /etc/tokengate/config.yaml`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	cfg.Reset.Enabled = false
	cfg.Metrics.Enabled = false

	app, err := bootstrap.NewFromConfig(cmd.Context(), cfg, bootstrap.Options{LogOutput: io.Discard})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}
	defer app.Shutdown()

	n, err := app.RunUsageReset(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reset usage for %d accounts.\n", n)
	return nil
}
