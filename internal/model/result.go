package model

import "time"

// Classification is the overall verdict of an aggregate result.
type Classification string

const (
	ClassComplete Classification = "complete"
	ClassPartial  Classification = "partial"
	ClassFailed   Classification = "failed"
)

// LifecycleState maps a classification onto the terminal job state.
func (c Classification) LifecycleState() LifecycleState {
	switch c {
	case ClassComplete:
		return JobComplete
	case ClassPartial:
		return JobPartial
	default:
		return JobFailed
	}
}

// AggregateResult is the merged, classified view of all task outcomes for a
// job. The key set of Outcomes always equals the job's pipeline.
type AggregateResult struct {
	JobID          string                   `json:"job_id"`
	Classification Classification           `json:"classification"`
	Outcomes       map[TaskKind]TaskOutcome `json:"outcomes"`
	Succeeded      int                      `json:"succeeded"`
	Failed         int                      `json:"failed"`
	TimedOut       int                      `json:"timed_out"`
	SkippedBudget  int                      `json:"skipped_budget"`
	NotAttempted   int                      `json:"not_attempted"`
	TotalAttempts  int                      `json:"total_attempts"`
	TotalCostUSD   float64                  `json:"total_cost_usd"`
	TotalElapsedMs int64                    `json:"total_elapsed_ms"`
	WallClockMs    int64                    `json:"wall_clock_ms"`
	StartedAt      time.Time                `json:"started_at"`
	FinishedAt     time.Time                `json:"finished_at"`
}
