package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
	"github.com/sells-group/lead-assess/internal/store"
)

var testJob = model.JobContext{JobID: "job-1", Subject: model.Subject{URL: "https://acme.example"}}

func runTasks(t *testing.T, coord *Coordinator, ctx context.Context, tasks ...*fakeTask) map[model.TaskKind]model.TaskOutcome {
	t.Helper()
	tracker := NewTracker(testJob.JobID, nil, kindsOf(tasks...))
	return coord.Run(ctx, testJob, asTasks(tasks...), tracker)
}

func TestCoordinator_NoTasks(t *testing.T) {
	out := newTestCoordinator(nil).Run(context.Background(), testJob, nil, NewTracker("job-1", nil, nil))
	assert.Empty(t, out)
}

func TestCoordinator_TransientThenSuccess(t *testing.T) {
	task := flakyTask(model.TaskSEO, 2)
	coord := newTestCoordinator(nil)

	start := time.Now()
	out := runTasks(t, coord, context.Background(), task)
	elapsed := time.Since(start)

	o := out[model.TaskSEO]
	assert.Equal(t, model.OutcomeSucceeded, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, 3, task.Calls())
	assert.JSONEq(t, `{"attempt":3}`, string(o.Payload))
	assert.InDelta(t, 0.03, o.CostUSD, 1e-9)
	// 10ms before attempt 2 and 20ms before attempt 3.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestCoordinator_PermanentFailsOnce(t *testing.T) {
	task := permanentTask(model.TaskBusinessProfile)

	out := runTasks(t, newTestCoordinator(nil), context.Background(), task)

	o := out[model.TaskBusinessProfile]
	assert.Equal(t, model.OutcomeFailed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, 1, task.Calls())
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.ErrorPermanent, o.Failure.Kind)
	assert.Contains(t, o.Failure.Message, "vendor said 404")
	assert.Nil(t, o.Payload)
}

func TestCoordinator_RetriesExhausted(t *testing.T) {
	task := flakyTask(model.TaskPerformance, 10)

	out := runTasks(t, newTestCoordinator(nil), context.Background(), task)

	o := out[model.TaskPerformance]
	assert.Equal(t, model.OutcomeFailed, o.Status)
	assert.Equal(t, 3, o.Attempts)
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.ErrorTransient, o.Failure.Kind)
	assert.Contains(t, o.Failure.Message, "retries exhausted after 3 attempts")
	assert.Contains(t, o.Failure.Message, "vendor 503 on attempt 3")
}

func TestCoordinator_FailureIsolation(t *testing.T) {
	good := okTask(model.TaskSecurity)
	bad := permanentTask(model.TaskSEO)
	flaky := flakyTask(model.TaskContent, 1)

	out := runTasks(t, newTestCoordinator(nil), context.Background(), good, bad, flaky)

	require.Len(t, out, 3)
	assert.Equal(t, model.OutcomeSucceeded, out[model.TaskSecurity].Status)
	assert.Equal(t, model.OutcomeFailed, out[model.TaskSEO].Status)
	assert.Equal(t, model.OutcomeSucceeded, out[model.TaskContent].Status)
}

func TestCoordinator_ActualCostReplacesEstimate(t *testing.T) {
	task := &fakeTask{kind: model.TaskContent, estimate: 0.05, fn: func(context.Context, int) (*collector.Result, error) {
		return &collector.Result{Payload: "ok", Cost: 0.002}, nil
	}}
	ledger := cost.NewLedger(cost.Limits{GlobalDailyUSD: 1})

	out := runTasks(t, newTestCoordinator(ledger), context.Background(), task)

	assert.InDelta(t, 0.002, out[model.TaskContent].CostUSD, 1e-9)
	snap, err := ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.002, snap.GlobalSpentUSD, 1e-9)
	assert.Equal(t, int64(1), snap.Kinds[model.TaskContent].Succeeded)
}

func TestCoordinator_BudgetSkipBeforeFirstAttempt(t *testing.T) {
	task := okTask(model.TaskContent)
	task.estimate = 0.05
	ledger := cost.NewLedger(cost.Limits{GlobalDailyUSD: 0.01})

	out := runTasks(t, newTestCoordinator(ledger), context.Background(), task)

	o := out[model.TaskContent]
	assert.Equal(t, model.OutcomeSkippedBudget, o.Status)
	assert.Equal(t, 0, o.Attempts)
	assert.Equal(t, 0, task.Calls())
	assert.Zero(t, o.CostUSD)
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.ErrorBudgetExhausted, o.Failure.Kind)
}

func TestCoordinator_BudgetVetoMidRetryKeepsAttempts(t *testing.T) {
	task := flakyTask(model.TaskSEO, 10)
	task.estimate = 1.0
	ledger := cost.NewLedger(cost.Limits{PerKindDailyUSD: map[model.TaskKind]float64{model.TaskSEO: 1.5}})

	out := runTasks(t, newTestCoordinator(ledger), context.Background(), task)

	o := out[model.TaskSEO]
	assert.Equal(t, model.OutcomeSkippedBudget, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, 1, task.Calls())
	assert.InDelta(t, 1.0, o.CostUSD, 1e-9)
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.ErrorBudgetExhausted, o.Failure.Kind)
	assert.Contains(t, o.Failure.Message, "vendor 503 on attempt 1")

	snap, err := ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Kinds[model.TaskSEO].Vetoed)
}

func TestCoordinator_BudgetErrorFromTaskIsSkipped(t *testing.T) {
	task := &fakeTask{kind: model.TaskContent, estimate: 0.01, fn: func(context.Context, int) (*collector.Result, error) {
		return nil, resilience.ErrBudgetExhausted
	}}

	out := runTasks(t, newTestCoordinator(nil), context.Background(), task)

	assert.Equal(t, model.OutcomeSkippedBudget, out[model.TaskContent].Status)
	assert.Equal(t, 1, out[model.TaskContent].Attempts)
}

func TestCoordinator_ConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int32
	mk := func(kind model.TaskKind) *fakeTask {
		return &fakeTask{kind: kind, estimate: 0, fn: func(context.Context, int) (*collector.Result, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inflight.Add(-1)
			return &collector.Result{Payload: "ok"}, nil
		}}
	}
	tasks := make([]*fakeTask, 0, len(model.AllTaskKinds))
	for _, k := range model.AllTaskKinds {
		tasks = append(tasks, mk(k))
	}
	coord := NewCoordinator(2, cost.NewLedger(cost.Limits{}), fastRetry(), nil)

	out := runTasks(t, coord, context.Background(), tasks...)

	require.Len(t, out, len(model.AllTaskKinds))
	for k, o := range out {
		assert.Equal(t, model.OutcomeSucceeded, o.Status, k)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestCoordinator_OpenCircuitCostsNothing(t *testing.T) {
	breakers := resilience.NewKindBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
	breakers.Get(model.TaskPerformance).Record(resilience.NewTransientError(assert.AnError, 503))
	task := okTask(model.TaskPerformance)
	ledger := cost.NewLedger(cost.Limits{})
	coord := NewCoordinator(2, ledger, fastRetry(), breakers)

	out := runTasks(t, coord, context.Background(), task)

	o := out[model.TaskPerformance]
	assert.Equal(t, model.OutcomeFailed, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.Zero(t, o.CostUSD)
	assert.Equal(t, 0, task.Calls())
	require.NotNil(t, o.Failure)
	assert.Contains(t, o.Failure.Message, "circuit breaker is open")
}

func TestCoordinator_DeadlineMarksHangingKindsTimedOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tasks := []*fakeTask{
		okTask(model.TaskPerformance),
		okTask(model.TaskSecurity),
		permanentTask(model.TaskBusinessProfile),
		stuckTask(model.TaskSEO, release),
		blockingTask(model.TaskScreenshot),
	}
	tracker := NewTracker(testJob.JobID, nil, kindsOf(tasks...))
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := newTestCoordinator(nil).Run(ctx, testJob, asTasks(tasks...), tracker)
	elapsed := time.Since(start)

	require.Len(t, out, 5)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, model.OutcomeSucceeded, out[model.TaskPerformance].Status)
	assert.Equal(t, model.OutcomeSucceeded, out[model.TaskSecurity].Status)
	assert.Equal(t, model.OutcomeFailed, out[model.TaskBusinessProfile].Status)
	for _, k := range []model.TaskKind{model.TaskSEO, model.TaskScreenshot} {
		o := out[k]
		assert.Equal(t, model.OutcomeTimedOut, o.Status, k)
		assert.Equal(t, 1, o.Attempts, k)
		require.NotNil(t, o.Failure, k)
		assert.Equal(t, model.ErrorTimeout, o.Failure.Kind, k)
		assert.Equal(t, "job deadline exceeded", o.Failure.Message, k)
	}
}

func TestCoordinator_FailedAttemptChargesMeasuredCost(t *testing.T) {
	ledger := cost.NewLedger(cost.Limits{})
	task := &fakeTask{kind: model.TaskContent, estimate: 0.01, fn: func(context.Context, int) (*collector.Result, error) {
		return nil, &collector.CostError{
			Err:     resilience.NewPermanentError(errors.New("model returned prose"), 0),
			CostUSD: 0.004,
		}
	}}

	out := runTasks(t, NewCoordinator(4, ledger, fastRetry(), nil), context.Background(), task)

	o := out[model.TaskContent]
	assert.Equal(t, model.OutcomeFailed, o.Status)
	assert.Equal(t, model.ErrorPermanent, o.Failure.Kind)
	assert.InDelta(t, 0.004, o.CostUSD, 1e-9)

	snap, err := ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.004, snap.GlobalSpentUSD, 1e-9)
	assert.InDelta(t, 0.004, snap.Kinds[model.TaskContent].SpentUSD, 1e-9)
}

func TestCoordinator_ShouldRetryVetoesTransientRetry(t *testing.T) {
	retry := fastRetry()
	var asked atomic.Int32
	retry.ShouldRetry = func(error) bool {
		asked.Add(1)
		return false
	}
	coord := NewCoordinator(4, cost.NewLedger(cost.Limits{}), retry, nil)
	task := flakyTask(model.TaskSEO, 2)

	out := runTasks(t, coord, context.Background(), task)

	o := out[model.TaskSEO]
	assert.Equal(t, model.OutcomeFailed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, 1, task.Calls())
	assert.EqualValues(t, 1, asked.Load())
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.ErrorTransient, o.Failure.Kind)
	assert.Contains(t, o.Failure.Message, "vendor 503 on attempt 1")
}

func TestCoordinator_DeadlineHoldsWithSlowStore(t *testing.T) {
	st := &slowStore{MemoryStore: store.NewMemory(), delay: 400 * time.Millisecond}
	tasks := []*fakeTask{
		blockingTask(model.TaskSEO),
		blockingTask(model.TaskScreenshot),
		blockingTask(model.TaskContent),
	}
	job, err := st.CreateJob(context.Background(), testJob.Subject, kindsOf(tasks...), time.Now().Add(time.Minute))
	require.NoError(t, err)
	tracker := NewTracker(job.ID, st, kindsOf(tasks...))
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := newTestCoordinator(nil).Run(ctx, model.JobContext{JobID: job.ID, Subject: testJob.Subject}, asTasks(tasks...), tracker)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 300*time.Millisecond)
	require.Len(t, out, 3)
	for _, task := range tasks {
		o := out[task.kind]
		assert.Equal(t, model.OutcomeTimedOut, o.Status, task.kind)
		assert.Equal(t, 1, o.Attempts, task.kind)
	}
}

func TestTimeoutDetail_UsesCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrJobCancelled)
	d := timeoutDetail(ctx)
	assert.Equal(t, model.ErrorTimeout, d.Kind)
	assert.Equal(t, "job cancelled", d.Message)

	dctx, dcancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer dcancel()
	<-dctx.Done()
	assert.Equal(t, "job deadline exceeded", timeoutDetail(dctx).Message)
}
