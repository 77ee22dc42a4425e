package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
	"github.com/sells-group/lead-assess/internal/store"
)

// fakeTask runs fn on every attempt; n is the 1-based attempt number.
type fakeTask struct {
	kind     model.TaskKind
	estimate float64
	calls    atomic.Int32
	fn       func(ctx context.Context, n int) (*collector.Result, error)
}

func (f *fakeTask) Kind() model.TaskKind   { return f.kind }
func (f *fakeTask) EstimatedCost() float64 { return f.estimate }

func (f *fakeTask) Execute(ctx context.Context, _ model.JobContext) (*collector.Result, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, n)
}

func (f *fakeTask) Calls() int { return int(f.calls.Load()) }

func okTask(kind model.TaskKind) *fakeTask {
	return &fakeTask{kind: kind, estimate: 0.01, fn: func(context.Context, int) (*collector.Result, error) {
		return &collector.Result{Payload: map[string]string{"kind": string(kind)}}, nil
	}}
}

func permanentTask(kind model.TaskKind) *fakeTask {
	return &fakeTask{kind: kind, estimate: 0.01, fn: func(context.Context, int) (*collector.Result, error) {
		return nil, resilience.NewPermanentError(eris.New("vendor said 404"), 404)
	}}
}

// flakyTask fails transiently for the first failures attempts, then succeeds.
func flakyTask(kind model.TaskKind, failures int) *fakeTask {
	return &fakeTask{kind: kind, estimate: 0.01, fn: func(_ context.Context, n int) (*collector.Result, error) {
		if n <= failures {
			return nil, resilience.NewTransientError(eris.Errorf("vendor 503 on attempt %d", n), 503)
		}
		return &collector.Result{Payload: map[string]int{"attempt": n}}, nil
	}}
}

// blockingTask waits for ctx to end.
func blockingTask(kind model.TaskKind) *fakeTask {
	return &fakeTask{kind: kind, estimate: 0.01, fn: func(ctx context.Context, _ int) (*collector.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

// stuckTask ignores ctx until release is closed.
func stuckTask(kind model.TaskKind, release <-chan struct{}) *fakeTask {
	return &fakeTask{kind: kind, estimate: 0.01, fn: func(context.Context, int) (*collector.Result, error) {
		<-release
		return &collector.Result{Payload: "late"}, nil
	}}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		JitterFraction: 0,
	}
}

func newTestCoordinator(meter cost.Meter) *Coordinator {
	if meter == nil {
		meter = cost.NewLedger(cost.Limits{})
	}
	return NewCoordinator(4, meter, fastRetry(), nil)
}

func newTestSupervisor(st store.Store, coord *Coordinator, tasks ...collector.Task) *Supervisor {
	reg := collector.NewRegistry(tasks...)
	return NewSupervisor(st, reg, coord, nil, 5*time.Second)
}

func kindsOf(tasks ...*fakeTask) []model.TaskKind {
	out := make([]model.TaskKind, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.kind)
	}
	return out
}

func asTasks(tasks ...*fakeTask) []collector.Task {
	out := make([]collector.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	return out
}

// failingStore wraps MemoryStore and fails selected writes.
type failingStore struct {
	*store.MemoryStore
	createErr error
	resultErr error
	statusErr error
}

func (s *failingStore) CreateJob(ctx context.Context, subject model.Subject, pipeline []model.TaskKind, deadline time.Time) (*model.Job, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.MemoryStore.CreateJob(ctx, subject, pipeline, deadline)
}

func (s *failingStore) WriteResult(ctx context.Context, jobID string, result *model.AggregateResult) error {
	if s.resultErr != nil {
		return s.resultErr
	}
	return s.MemoryStore.WriteResult(ctx, jobID, result)
}

func (s *failingStore) WriteStatus(ctx context.Context, jobID string, snap model.StatusSnapshot) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	return s.MemoryStore.WriteStatus(ctx, jobID, snap)
}

// slowStore delays every progress write.
type slowStore struct {
	*store.MemoryStore
	delay  time.Duration
	writes atomic.Int32
}

func (s *slowStore) WriteStatus(ctx context.Context, jobID string, snap model.StatusSnapshot) error {
	time.Sleep(s.delay)
	s.writes.Add(1)
	return s.MemoryStore.WriteStatus(ctx, jobID, snap)
}
