package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
)

// attemptRunner drives one task kind through
// not_started -> attempting(n) -> succeeded | failed | skipped_budget | timed_out.
type attemptRunner struct {
	task    collector.Task
	jc      model.JobContext
	retry   resilience.RetryConfig
	meter   cost.Meter
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
	tracker *Tracker
	log     *zap.Logger
}

// attemptState accumulates across attempts.
type attemptState struct {
	kind     model.TaskKind
	start    time.Time
	attempts int
	costUSD  float64
	lastErr  error
}

func (s *attemptState) outcome(status model.OutcomeStatus, failure *model.FailureDetail) model.TaskOutcome {
	return model.TaskOutcome{
		Kind:      s.kind,
		Status:    status,
		Failure:   failure,
		Attempts:  s.attempts,
		ElapsedMs: time.Since(s.start).Milliseconds(),
		CostUSD:   s.costUSD,
	}
}

// run executes the attempt sequence. It never returns an error: every failure
// becomes part of the outcome.
func (r *attemptRunner) run(ctx context.Context) model.TaskOutcome {
	st := &attemptState{kind: r.task.Kind(), start: time.Now()}
	estimate := r.task.EstimatedCost()

	for n := 1; n <= r.retry.MaxAttempts; n++ {
		if n > 1 {
			if r.retry.OnRetry != nil {
				r.retry.OnRetry(n-1, st.lastErr)
			}
			if err := resilience.Sleep(ctx, r.retry.Backoff(n-1)); err != nil {
				return r.timedOut(ctx, st)
			}
		}

		if r.breaker != nil {
			if err := r.breaker.Allow(); err != nil {
				// An open circuit is a transient failed attempt that costs nothing.
				st.attempts = n
				st.lastErr = err
				r.tracker.Update(ctx, st.kind, model.OutcomeAttempting, st.attempts, st.costUSD)
				continue
			}
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			return r.timedOut(ctx, st)
		}

		res, ok, err := r.meter.Reserve(ctx, st.kind, estimate)
		if err != nil {
			r.sem.Release(1)
			if ctx.Err() != nil {
				return r.timedOut(ctx, st)
			}
			// The ledger being unreachable is retried like any transient fault.
			st.attempts = n
			st.lastErr = resilience.NewTransientError(eris.Wrap(err, "orchestrator: reserve budget"), 0)
			r.tracker.Update(ctx, st.kind, model.OutcomeAttempting, st.attempts, st.costUSD)
			continue
		}
		if !ok {
			r.sem.Release(1)
			return r.skipped(ctx, st)
		}

		// Cost is incurred at reserve time and settled after the call.
		st.attempts = n
		st.costUSD += estimate
		r.tracker.Update(ctx, st.kind, model.OutcomeAttempting, st.attempts, st.costUSD)
		r.log.Debug("orchestrator: attempt started", zap.Int("attempt", n))

		result, execErr := r.task.Execute(ctx, r.jc)

		actual := estimate
		if execErr == nil && result != nil && result.Cost > 0 {
			actual = result.Cost
		} else if spent, ok := collector.SpentCost(execErr); ok && spent > 0 {
			actual = spent
		}
		if recErr := r.meter.Record(context.WithoutCancel(ctx), res, actual, execErr == nil); recErr != nil {
			r.log.Warn("orchestrator: record cost failed", zap.Int("attempt", n), zap.Error(recErr))
		}
		st.costUSD += actual - estimate
		if r.breaker != nil && ctx.Err() == nil {
			r.breaker.Record(execErr)
		}
		r.sem.Release(1)

		if execErr == nil && result == nil {
			execErr = resilience.NewPermanentError(eris.New("orchestrator: task returned no result"), 0)
		}
		if execErr == nil {
			return r.succeeded(ctx, st, result)
		}

		st.lastErr = execErr
		if ctx.Err() != nil {
			return r.timedOut(ctx, st)
		}

		switch kind := resilience.Classify(execErr); kind {
		case model.ErrorBudgetExhausted:
			return r.skipped(ctx, st)
		case model.ErrorPermanent:
			return r.finish(ctx, st, model.OutcomeFailed, &model.FailureDetail{
				Kind:    model.ErrorPermanent,
				Message: execErr.Error(),
			})
		default:
			// Transient, or a per-call timeout while the job is still live.
			if kind == model.ErrorTransient && r.retry.ShouldRetry != nil && !r.retry.ShouldRetry(execErr) {
				return r.finish(ctx, st, model.OutcomeFailed, &model.FailureDetail{
					Kind:    kind,
					Message: execErr.Error(),
				})
			}
			r.tracker.Update(ctx, st.kind, model.OutcomeAttempting, st.attempts, st.costUSD)
		}
	}

	return r.finish(ctx, st, model.OutcomeFailed, &model.FailureDetail{
		Kind:    model.ErrorTransient,
		Message: fmt.Sprintf("retries exhausted after %d attempts: %v", st.attempts, st.lastErr),
	})
}

func (r *attemptRunner) succeeded(ctx context.Context, st *attemptState, result *collector.Result) model.TaskOutcome {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return r.finish(ctx, st, model.OutcomeFailed, &model.FailureDetail{
			Kind:    model.ErrorPermanent,
			Message: eris.Wrap(err, "orchestrator: encode payload").Error(),
		})
	}
	o := st.outcome(model.OutcomeSucceeded, nil)
	o.Payload = payload
	r.tracker.Update(ctx, st.kind, o.Status, o.Attempts, o.CostUSD)
	r.log.Info("orchestrator: task succeeded",
		zap.Int("attempt", o.Attempts),
		zap.Float64("cost_usd", o.CostUSD),
		zap.Int64("duration_ms", o.ElapsedMs),
	)
	return o
}

// skipped reports a budget veto. Attempts already made stay counted and the
// previous attempt's error, if any, is carried in the detail.
func (r *attemptRunner) skipped(ctx context.Context, st *attemptState) model.TaskOutcome {
	msg := "daily budget exhausted"
	if st.lastErr != nil {
		msg = fmt.Sprintf("daily budget exhausted after %d attempts; last error: %v", st.attempts, st.lastErr)
	}
	return r.finish(ctx, st, model.OutcomeSkippedBudget, &model.FailureDetail{
		Kind:    model.ErrorBudgetExhausted,
		Message: msg,
	})
}

func (r *attemptRunner) timedOut(ctx context.Context, st *attemptState) model.TaskOutcome {
	return r.finish(ctx, st, model.OutcomeTimedOut, timeoutDetail(ctx))
}

func (r *attemptRunner) finish(ctx context.Context, st *attemptState, status model.OutcomeStatus, failure *model.FailureDetail) model.TaskOutcome {
	o := st.outcome(status, failure)
	r.tracker.Update(ctx, st.kind, o.Status, o.Attempts, o.CostUSD)
	r.log.Warn("orchestrator: task did not succeed",
		zap.String("status", string(o.Status)),
		zap.Int("attempt", o.Attempts),
		zap.Float64("cost_usd", o.CostUSD),
		zap.Int64("duration_ms", o.ElapsedMs),
		zap.String("reason", failure.Message),
	)
	return o
}

// timeoutDetail describes why the job context ended.
func timeoutDetail(ctx context.Context) *model.FailureDetail {
	msg := "job deadline exceeded"
	if cause := context.Cause(ctx); cause != nil && cause != context.DeadlineExceeded {
		msg = cause.Error()
	}
	return &model.FailureDetail{Kind: model.ErrorTimeout, Message: msg}
}
