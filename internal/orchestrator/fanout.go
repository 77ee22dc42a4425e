package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
)

// Coordinator fans a job's task kinds out concurrently. The semaphore is
// shared by every job the coordinator runs, so MaxConcurrency bounds
// outstanding vendor calls process-wide.
type Coordinator struct {
	sem      *semaphore.Weighted
	meter    cost.Meter
	retry    resilience.RetryConfig
	breakers *resilience.KindBreakers
}

// NewCoordinator creates a Coordinator. breakers may be nil.
func NewCoordinator(maxConcurrency int64, meter cost.Meter, retry resilience.RetryConfig, breakers *resilience.KindBreakers) *Coordinator {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Coordinator{
		sem:      semaphore.NewWeighted(maxConcurrency),
		meter:    meter,
		retry:    retry.Normalize(),
		breakers: breakers,
	}
}

// Run executes every task and returns one outcome per task kind. It returns
// when all kinds are terminal or ctx is done, whichever comes first; in the
// latter case unfinished kinds are marked timed_out from the tracker's live
// view and their eventual results are discarded. A failing kind never stops
// the others.
func (c *Coordinator) Run(ctx context.Context, jc model.JobContext, tasks []collector.Task, tracker *Tracker) map[model.TaskKind]model.TaskOutcome {
	outcomes := make(map[model.TaskKind]model.TaskOutcome, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	// Buffered so late senders never block after Run has returned.
	results := make(chan model.TaskOutcome, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		retry := c.retry
		if retry.OnRetry == nil {
			retry.OnRetry = resilience.RetryLogger(jc.JobID, string(task.Kind()))
		}
		r := &attemptRunner{
			task:    task,
			jc:      jc,
			retry:   retry,
			meter:   c.meter,
			sem:     c.sem,
			tracker: tracker,
			log: zap.L().With(
				zap.String("job_id", jc.JobID),
				zap.String("task", string(task.Kind())),
			),
		}
		if c.breakers != nil {
			r.breaker = c.breakers.Get(task.Kind())
		}
		g.Go(func() error {
			results <- r.run(gctx)
			return nil
		})
	}

	for len(outcomes) < len(tasks) {
		select {
		case o := <-results:
			outcomes[o.Kind] = o
		case <-ctx.Done():
			c.drain(results, outcomes)
			c.forceTimedOut(ctx, tasks, tracker, outcomes)
			return outcomes
		}
	}
	_ = g.Wait()
	return outcomes
}

// drain keeps outcomes that finished before the deadline was observed.
func (c *Coordinator) drain(results <-chan model.TaskOutcome, outcomes map[model.TaskKind]model.TaskOutcome) {
	for {
		select {
		case o := <-results:
			if o.Status != model.OutcomeTimedOut {
				outcomes[o.Kind] = o
			}
		default:
			return
		}
	}
}

func (c *Coordinator) forceTimedOut(ctx context.Context, tasks []collector.Task, tracker *Tracker, outcomes map[model.TaskKind]model.TaskOutcome) {
	now := time.Now()
	detail := timeoutDetail(ctx)
	for _, task := range tasks {
		k := task.Kind()
		if _, ok := outcomes[k]; ok {
			continue
		}
		ks := tracker.Get(k)
		var elapsed int64
		if started := tracker.StartedAt(k); !started.IsZero() {
			elapsed = now.Sub(started).Milliseconds()
		}
		d := *detail
		outcomes[k] = model.TaskOutcome{
			Kind:      k,
			Status:    model.OutcomeTimedOut,
			Failure:   &d,
			Attempts:  ks.Attempts,
			ElapsedMs: elapsed,
			CostUSD:   ks.CostUSD,
		}
	}
}
