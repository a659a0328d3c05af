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
	Use:   "tokengate",
	Short: "API key authentication and token metering for subscription APIs",
	Long: `tokengate authenticates API keys, meters token consumption against
subscription allocations and keeps the ledger in sync with the billing
provider.

Quick start:
  tokengate serve                 # Start the HTTP server
  tokengate validate              # Validate configuration

Operations:
  tokengate reset-usage           # Start a new billing period now
  tokengate usage --email=a@b.c   # Show an account's consumption
  tokengate plans                 # List configured plans`,
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
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tokengate.yaml", "config file path")
}
