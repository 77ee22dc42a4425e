package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/store"
)

// MetricsSnapshot holds a point-in-time view of assessment health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal    int     `json:"jobs_total"`
	JobsComplete int     `json:"jobs_complete"`
	JobsPartial  int     `json:"jobs_partial"`
	JobsFailed   int     `json:"jobs_failed"`
	JobsInFlight int     `json:"jobs_in_flight"`
	FailureRate  float64 `json:"failure_rate"`
	DegradedRate float64 `json:"degraded_rate"`
	CostUSD      float64 `json:"cost_usd"`
	AvgWallMs    int64   `json:"avg_wall_ms"`

	// Per-kind failures across finished jobs.
	KindFailures  map[model.TaskKind]int `json:"kind_failures,omitempty"`
	TasksTimedOut int                    `json:"tasks_timed_out"`
	TasksSkipped  int                    `json:"tasks_skipped_budget"`

	// Budget ledger for the current window, when a meter is wired.
	Budget *cost.Snapshot `json:"budget,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of jobs that reached a terminal state.
func (s *MetricsSnapshot) Finished() int {
	return s.JobsComplete + s.JobsPartial + s.JobsFailed
}

// BudgetReader abstracts the ledger view needed by the collector.
type BudgetReader interface {
	Snapshot(ctx context.Context) (*cost.Snapshot, error)
}

// Collector gathers metrics from the status store and budget ledger.
type Collector struct {
	store  store.Store
	budget BudgetReader
}

// NewCollector creates a new metrics collector. budget may be nil.
func NewCollector(st store.Store, budget BudgetReader) *Collector {
	return &Collector{store: st, budget: budget}
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		KindFailures:  make(map[model.TaskKind]int),
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		Since: cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	var totalWall int64
	for _, j := range jobs {
		switch j.State {
		case model.JobComplete:
			snap.JobsComplete++
		case model.JobPartial:
			snap.JobsPartial++
		case model.JobFailed:
			snap.JobsFailed++
		default:
			snap.JobsInFlight++
		}
		if j.Result == nil {
			continue
		}
		snap.CostUSD += j.Result.TotalCostUSD
		totalWall += j.Result.WallClockMs
		snap.TasksTimedOut += j.Result.TimedOut
		snap.TasksSkipped += j.Result.SkippedBudget
		for kind, o := range j.Result.Outcomes {
			if o.Status != model.OutcomeSucceeded {
				snap.KindFailures[kind]++
			}
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.JobsFailed) / float64(finished)
		snap.DegradedRate = float64(snap.JobsPartial) / float64(finished)
		snap.AvgWallMs = totalWall / int64(finished)
	}

	if c.budget != nil {
		b, err := c.budget.Snapshot(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: budget snapshot")
		}
		snap.Budget = b
	}

	return snap, nil
}
