package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/orchestrator"
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Assess one website and print the aggregate result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		subject, err := subjectFromFlags(cmd)
		if err != nil {
			return err
		}
		opts, err := optionsFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initAssess(ctx, "assess")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Supervisor.Run(ctx, subject, opts)
		if err != nil {
			return eris.Wrap(err, "assess")
		}

		if summary, _ := cmd.Flags().GetBool("summary"); summary {
			formatResultSummary(os.Stdout, result)
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	addAssessFlags(assessCmd)
	assessCmd.Flags().Bool("summary", false, "print a table instead of JSON")
	_ = assessCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(assessCmd)
}

// addAssessFlags registers the subject and pipeline selection flags.
func addAssessFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "website URL to assess (required)")
	cmd.Flags().String("name", "", "business name")
	cmd.Flags().String("phone", "", "business phone")
	cmd.Flags().String("city", "", "business city")
	cmd.Flags().String("state", "", "business state")
	cmd.Flags().String("lead-id", "", "CRM lead id carried through to the result")
	cmd.Flags().String("industry", "", "business industry")
	cmd.Flags().String("pipeline", "", "named pipeline (default \"full\")")
	cmd.Flags().StringSlice("kinds", nil, "explicit task kinds, overrides --pipeline")
	cmd.Flags().Duration("deadline", 0, "job deadline (default from config)")
}

func subjectFromFlags(cmd *cobra.Command) (model.Subject, error) {
	var s model.Subject
	s.URL, _ = cmd.Flags().GetString("url")
	s.Name, _ = cmd.Flags().GetString("name")
	s.Phone, _ = cmd.Flags().GetString("phone")
	s.City, _ = cmd.Flags().GetString("city")
	s.State, _ = cmd.Flags().GetString("state")
	s.LeadID, _ = cmd.Flags().GetString("lead-id")
	s.Industry, _ = cmd.Flags().GetString("industry")
	if strings.TrimSpace(s.URL) == "" {
		return s, eris.New("--url is required")
	}
	return s, nil
}

func optionsFromFlags(cmd *cobra.Command) (orchestrator.Options, error) {
	var opts orchestrator.Options
	opts.Pipeline, _ = cmd.Flags().GetString("pipeline")
	opts.Deadline, _ = cmd.Flags().GetDuration("deadline")
	if cmd.Flags().Changed("kinds") {
		names, _ := cmd.Flags().GetStringSlice("kinds")
		kinds, err := orchestrator.ParseKinds(names)
		if err != nil {
			return opts, eris.Wrap(err, "--kinds")
		}
		opts.Kinds = kinds
	}
	return opts, nil
}

// formatResultSummary writes one row per task kind in pipeline order.
func formatResultSummary(out io.Writer, res *model.AggregateResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", res.JobID)
	_, _ = fmt.Fprintf(w, "Classification:\t%s\n", res.Classification)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", res.TotalCostUSD)
	_, _ = fmt.Fprintf(w, "Wall clock:\t%s\n", (time.Duration(res.WallClockMs) * time.Millisecond).String())
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "TASK\tSTATUS\tATTEMPTS\tCOST\tELAPSED\tREASON")
	_, _ = fmt.Fprintln(w, "----\t------\t--------\t----\t-------\t------")
	for _, kind := range model.AllTaskKinds {
		o, ok := res.Outcomes[kind]
		if !ok {
			continue
		}
		reason := ""
		if o.Failure != nil {
			reason = string(o.Failure.Kind) + ": " + o.Failure.Message
			if len(reason) > 60 {
				reason = reason[:57] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t$%.4f\t%dms\t%s\n",
			kind, o.Status, o.Attempts, o.CostUSD, o.ElapsedMs, reason)
	}
	_ = w.Flush()
}
