package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-assess/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Collect job health metrics once and send any alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("monitor"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var budget monitoring.BudgetReader
		if cfg.Budget.Ledger == "redis" {
			meter, closeMeter, err := initMeter(ctx)
			if err != nil {
				return err
			}
			defer closeMeter()
			budget = meter
		}

		mcfg := cfg.Monitoring
		if hours, _ := cmd.Flags().GetInt("lookback-hours"); hours > 0 {
			mcfg.LookbackWindowHours = hours
		}
		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			mcfg.WebhookURL = ""
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, budget),
			monitoring.NewAlerter(mcfg),
			mcfg,
		)
		rep, err := checker.Check(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	monitorCmd.Flags().Int("lookback-hours", 0, "override monitoring.lookback_window_hours")
	monitorCmd.Flags().Bool("dry-run", false, "evaluate alerts without posting to the webhook")
	rootCmd.AddCommand(monitorCmd)
}
