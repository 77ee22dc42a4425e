package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/store"
)

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the poll view of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("read"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		js, err := st.ReadStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "status")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(js)
	},
}

// -- jobs --

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List assessment jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("read"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		filter := store.JobFilter{State: model.LifecycleState(state), Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		jobs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

func init() {
	jobsCmd.Flags().String("state", "", "filter by lifecycle state (pending, running, complete, partial, failed)")
	jobsCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsCmd.Flags().Duration("since", 0, "only jobs created within this window (e.g. 24h)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.JobStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUBJECT\tSTATE\tTASKS\tCOST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t-----\t----\t-------\t--------")

	for _, j := range jobs {
		subject := j.Subject.URL
		if j.Subject.Name != "" {
			subject = j.Subject.Name
		}
		if len(subject) > 30 {
			subject = subject[:27] + "..."
		}

		tasks := fmt.Sprintf("%d", len(j.Pipeline))
		costCol := ""
		dur := ""
		if j.Result != nil {
			tasks = fmt.Sprintf("%d/%d", j.Result.Succeeded, len(j.Pipeline))
			costCol = fmt.Sprintf("$%.4f", j.Result.TotalCostUSD)
			dur = (time.Duration(j.Result.WallClockMs) * time.Millisecond).Round(time.Millisecond).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(j.JobID),
			subject,
			j.State,
			tasks,
			costCol,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
