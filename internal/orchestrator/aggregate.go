package orchestrator

import (
	"time"

	"github.com/sells-group/lead-assess/internal/model"
)

// Aggregate merges task outcomes into the job's classified result. The key
// set of the result always equals the job pipeline: kinds without an outcome
// are reported as not_attempted and outcomes for kinds outside the pipeline
// are dropped.
func Aggregate(job *model.Job, outcomes map[model.TaskKind]model.TaskOutcome, startedAt, finishedAt time.Time) *model.AggregateResult {
	res := &model.AggregateResult{
		JobID:       job.ID,
		Outcomes:    make(map[model.TaskKind]model.TaskOutcome, len(job.Pipeline)),
		WallClockMs: finishedAt.Sub(startedAt).Milliseconds(),
		StartedAt:   startedAt.UTC(),
		FinishedAt:  finishedAt.UTC(),
	}

	for _, kind := range job.Pipeline {
		o, ok := outcomes[kind]
		if !ok {
			o = model.TaskOutcome{Status: model.OutcomeNotAttempted}
		}
		if !o.Status.Terminal() {
			o.Status = model.OutcomeNotAttempted
		}
		o.Kind = kind
		res.Outcomes[kind] = o

		switch o.Status {
		case model.OutcomeSucceeded:
			res.Succeeded++
		case model.OutcomeFailed:
			res.Failed++
		case model.OutcomeTimedOut:
			res.TimedOut++
		case model.OutcomeSkippedBudget:
			res.SkippedBudget++
		default:
			res.NotAttempted++
		}
		res.TotalAttempts += o.Attempts
		res.TotalCostUSD += o.CostUSD
		res.TotalElapsedMs += o.ElapsedMs
	}

	res.Classification = classify(len(res.Outcomes), res.Succeeded)
	return res
}

// classify: an empty pipeline is trivially complete, no successes is failed,
// all successes is complete, anything else is partial.
func classify(total, succeeded int) model.Classification {
	switch {
	case total == 0:
		return model.ClassComplete
	case succeeded == 0:
		return model.ClassFailed
	case succeeded == total:
		return model.ClassComplete
	default:
		return model.ClassPartial
	}
}
