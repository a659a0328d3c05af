package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/velariq/tokengate/config"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List configured plans",
	RunE:  runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)
}

func runPlans(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRICE ID\tTOKENS\tUSD/MO\tWORKFLOWS")
	for _, t := range cfg.Catalog().Tiers() {
		priceID := t.PriceID
		if priceID == "" {
			priceID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", t.ID, t.Name, priceID, t.Tokens, t.PriceUSD, t.WorkflowLimit)
	}
	return w.Flush()
}
