package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show today's budget ledger",
	Long:  "Prints spend, caps and veto counts for the current daily window. Only meaningful for the shared redis ledger; the memory ledger starts empty in every process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("assess"); err != nil {
			return err
		}

		meter, closeMeter, err := initMeter(ctx)
		if err != nil {
			return err
		}
		defer closeMeter()

		snap, err := meter.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "budget snapshot")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatBudget(os.Stdout, snap)
		return nil
	},
}

func init() {
	budgetCmd.Flags().Bool("json", false, "print the raw snapshot as JSON")
	rootCmd.AddCommand(budgetCmd)
}

// formatBudget writes the window totals and one row per task kind.
func formatBudget(out io.Writer, snap *cost.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%s\n", snap.Window)
	if snap.GlobalCapUSD > 0 {
		_, _ = fmt.Fprintf(w, "Spent:\t$%.4f of $%.2f\n", snap.GlobalSpentUSD, snap.GlobalCapUSD)
		_, _ = fmt.Fprintf(w, "Remaining:\t$%.4f\n", snap.RemainingUSD())
	} else {
		_, _ = fmt.Fprintf(w, "Spent:\t$%.4f (no cap)\n", snap.GlobalSpentUSD)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "TASK\tSPENT\tCAP\tATTEMPTS\tSUCCEEDED\tFAILED\tVETOED")
	_, _ = fmt.Fprintln(w, "----\t-----\t---\t--------\t---------\t------\t------")

	kinds := make([]model.TaskKind, 0, len(snap.Kinds))
	for k := range snap.Kinds {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		u := snap.Kinds[k]
		capCol := "-"
		if u.CapUSD > 0 {
			capCol = fmt.Sprintf("$%.2f", u.CapUSD)
		}
		_, _ = fmt.Fprintf(w, "%s\t$%.4f\t%s\t%d\t%d\t%d\t%d\n",
			k, u.SpentUSD, capCol, u.Attempts, u.Succeeded, u.Failed, u.Vetoed)
	}
	_ = w.Flush()
}
