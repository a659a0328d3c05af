package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/velariq/tokengate/bootstrap"
	"github.com/velariq/tokengate/config"
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/domain/quota"
	"github.com/velariq/tokengate/domain/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show an account's consumption for the current period",
	Long: `Show token consumption for one account in the current calendar month.

Examples:
  tokengate usage --email=dev@example.com`,
	RunE: runUsage,
}

var (
	usageEmail string
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().StringVar(&usageEmail, "email", "", "account email")
	usageCmd.MarkFlagRequired("email")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	ctx := cmd.Context()
	store, err := bootstrap.OpenStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	acct, err := store.GetAccountByEmail(ctx, billing.NormalizeEmail(usageEmail))
	if err != nil {
		return fmt.Errorf("account %s: %w", usageEmail, err)
	}

	start, _ := quota.PeriodBounds(time.Now().UTC())
	records, err := store.ListUsage(ctx, acct.ID, start)
	if err != nil {
		return fmt.Errorf("list usage: %w", err)
	}
	summary := usage.Summarize(acct.ID, records, start, start.AddDate(0, 1, 0))

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Account:\t%s\n", acct.ID)
	fmt.Fprintf(w, "Email:\t%s\n", acct.Email)
	fmt.Fprintf(w, "Allocated:\t%d\n", acct.TokensAllocated)
	fmt.Fprintf(w, "Used:\t%d\n", acct.TokensUsed)
	fmt.Fprintf(w, "Remaining:\t%d\n", acct.Remaining())
	fmt.Fprintf(w, "Charges this month:\t%d\n", summary.Charges)
	fmt.Fprintln(w)

	ops := make([]string, 0, len(summary.ByOperation))
	for op := range summary.ByOperation {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	fmt.Fprintln(w, "OPERATION\tTOKENS")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%d\n", op, summary.ByOperation[op])
	}
	return w.Flush()
}
