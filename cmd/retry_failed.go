package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/orchestrator"
	"github.com/sells-group/lead-assess/internal/store"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-run failed jobs from the lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		parallel, _ := cmd.Flags().GetInt("parallel")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		env, err := initAssess(ctx, "assess")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Supervisor.List(ctx, store.JobFilter{
			State: model.JobFailed,
			Since: time.Now().Add(-since),
			Limit: limit,
		})
		if err != nil {
			return err
		}
		retries := dedupeBySubject(jobs)
		if len(retries) == 0 {
			fmt.Fprintln(os.Stderr, "No failed jobs to retry.")
			return nil
		}
		if dryRun {
			formatJobsList(os.Stdout, retries)
			return nil
		}

		results := retryJobs(ctx, env.Supervisor, retries, parallel)
		formatRetryResults(os.Stdout, results)
		return nil
	},
}

func init() {
	retryFailedCmd.Flags().Duration("since", 24*time.Hour, "lookback window for failed jobs")
	retryFailedCmd.Flags().Int("limit", 100, "max failed jobs to consider")
	retryFailedCmd.Flags().Int("parallel", 4, "jobs to run at once")
	retryFailedCmd.Flags().Bool("dry-run", false, "list what would be retried")
	rootCmd.AddCommand(retryFailedCmd)
}

// retryResult pairs a failed job with its re-run.
type retryResult struct {
	PreviousID string
	Subject    model.Subject
	Result     *model.AggregateResult
	Err        error
}

// dedupeBySubject keeps the newest failed job per subject URL. jobs arrive
// newest first.
func dedupeBySubject(jobs []model.JobStatus) []model.JobStatus {
	seen := make(map[string]bool, len(jobs))
	out := make([]model.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		if seen[j.Subject.URL] {
			continue
		}
		seen[j.Subject.URL] = true
		out = append(out, j)
	}
	return out
}

// retryJobs re-runs each job's subject with its original pipeline. One
// job's failure never stops the others.
func retryJobs(ctx context.Context, sup *orchestrator.Supervisor, jobs []model.JobStatus, parallel int) []retryResult {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]retryResult, len(jobs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, j := range jobs {
		g.Go(func() error {
			res, err := sup.Run(gctx, j.Subject, orchestrator.Options{Kinds: j.Pipeline})
			if err != nil {
				zap.L().Error("retry-failed: job failed to run",
					zap.String("previous_job_id", j.JobID),
					zap.String("url", j.Subject.URL),
					zap.Error(err),
				)
				err = eris.Wrapf(err, "retry %s", j.JobID)
			}
			mu.Lock()
			results[i] = retryResult{PreviousID: j.JobID, Subject: j.Subject, Result: res, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func formatRetryResults(out io.Writer, results []retryResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PREVIOUS\tNEW\tSUBJECT\tCLASSIFICATION\tCOST")
	_, _ = fmt.Fprintln(w, "--------\t---\t-------\t--------------\t----")
	for _, r := range results {
		newID, class, costCol := "-", "error", "-"
		if r.Result != nil {
			newID = truncateID(r.Result.JobID)
			class = string(r.Result.Classification)
			costCol = fmt.Sprintf("$%.4f", r.Result.TotalCostUSD)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.PreviousID), newID, r.Subject.URL, class, costCol)
	}
	_ = w.Flush()
}
