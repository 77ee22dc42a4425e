package main

import (
	"context"
	"time"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/orchestrator"
	"github.com/sells-group/lead-assess/internal/resilience"
	"github.com/sells-group/lead-assess/internal/store"
)

// stubTask succeeds, fails, or blocks on ctx.
type stubTask struct {
	kind  model.TaskKind
	err   error
	block bool
}

func (s stubTask) Kind() model.TaskKind   { return s.kind }
func (s stubTask) EstimatedCost() float64 { return 0.01 }

func (s stubTask) Execute(ctx context.Context, jc model.JobContext) (*collector.Result, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &collector.Result{Payload: map[string]string{"url": jc.Subject.URL}}, nil
}

func newStubSupervisor(st store.Store, meter cost.Meter, tasks ...collector.Task) *orchestrator.Supervisor {
	if meter == nil {
		meter = cost.NewLedger(cost.Limits{})
	}
	coord := orchestrator.NewCoordinator(4, meter, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: 5 * time.Millisecond,
	}, nil)
	return orchestrator.NewSupervisor(st, collector.NewRegistry(tasks...), coord, nil, 5*time.Second)
}

func testDeadline() time.Time { return time.Now().Add(time.Minute) }
