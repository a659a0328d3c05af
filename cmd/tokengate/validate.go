package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/velariq/tokengate/bootstrap"
	"github.com/velariq/tokengate/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the tokengate configuration.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Database is reachable and migrated (optional)

Examples:
  tokengate validate
  tokengate validate --config /etc/tokengate/config.yaml --check-database`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfgFile); err == nil {
		fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)
	} else {
		fmt.Fprintf(out, "Validating environment configuration...\n\n")
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Cache: %s (ttl %s)\n", checkMark, cfg.Cache.Driver, cfg.Cache.TTL)
	fmt.Fprintf(out, "  %s Billing: %s\n", checkMark, cfg.Billing.Provider)
	fmt.Fprintf(out, "  %s Failure policy: %s\n", checkMark, cfg.Metering.FailurePolicy)
	fmt.Fprintf(out, "  %s Plans configured: %d\n", checkMark, len(cfg.Plans))

	if validateCheckDatabase {
		if err := checkDatabase(cmd.Context(), cfg); err != nil {
			fmt.Fprintf(out, "  %s Database reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Database reachable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Ping(ctx)
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
