// Package orchestrator runs assessment jobs: it fans task kinds out under a
// shared concurrency ceiling and budget, retries transient failures, enforces
// the job deadline, and records progress and the final aggregate.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/store"
)

var (
	// ErrSupervisorFatal marks failures that abort a job as a whole: the
	// job could not be created or its lifecycle could not be recorded.
	ErrSupervisorFatal = errors.New("supervisor fatal")
	// ErrJobCancelled is the cancellation cause for Cancel.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrShuttingDown is returned by Submit after Shutdown began, and is the
	// cancellation cause for jobs cut short by it.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// FatalError wraps a supervisor-fatal failure. errors.Is(err,
// ErrSupervisorFatal) reports true for it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "orchestrator: " + e.Op + ": " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrSupervisorFatal }

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// Options selects what a submission runs.
type Options struct {
	// Pipeline names a pipeline from the Pipelines set; empty means "full".
	Pipeline string
	// Kinds overrides Pipeline when non-nil. An empty, non-nil slice is a
	// valid zero-kind job.
	Kinds []model.TaskKind
	// Deadline overrides the supervisor default when positive.
	Deadline time.Duration
}

// Supervisor owns job lifecycles.
type Supervisor struct {
	store     store.Store
	registry  *collector.Registry
	coord     *Coordinator
	pipelines Pipelines
	deadline  time.Duration

	// base parents every async job so Shutdown can cut them short.
	base     context.Context
	stopBase context.CancelCauseFunc

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	closing bool
	wg      sync.WaitGroup
}

// NewSupervisor creates a Supervisor. deadline is the default per-job
// deadline.
func NewSupervisor(st store.Store, registry *collector.Registry, coord *Coordinator, pipelines Pipelines, deadline time.Duration) *Supervisor {
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	if pipelines == nil {
		pipelines = Pipelines{DefaultPipeline: registry.Kinds()}
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Supervisor{
		store:     st,
		registry:  registry,
		coord:     coord,
		pipelines: pipelines,
		deadline:  deadline,
		base:      base,
		stopBase:  stop,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Pipelines returns the configured named pipelines.
func (s *Supervisor) Pipelines() Pipelines {
	return s.pipelines
}

// prepare validates the request and creates the pending job.
func (s *Supervisor) prepare(ctx context.Context, subject model.Subject, opts Options) (*model.Job, []collector.Task, error) {
	kinds := opts.Kinds
	if kinds == nil {
		var err error
		if kinds, err = s.pipelines.Resolve(opts.Pipeline); err != nil {
			return nil, nil, err
		}
	}
	tasks, err := s.registry.Resolve(kinds)
	if err != nil {
		return nil, nil, err
	}

	d := s.deadline
	if opts.Deadline > 0 {
		d = opts.Deadline
	}
	job, err := s.store.CreateJob(ctx, subject, kinds, time.Now().Add(d))
	if err != nil {
		return nil, nil, fatal("create job", err)
	}
	return job, tasks, nil
}

// Submit creates a job and runs it in the background. It returns once the
// job is recorded as pending.
func (s *Supervisor) Submit(ctx context.Context, subject model.Subject, opts Options) (string, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	job, tasks, err := s.prepare(ctx, subject, opts)
	if err != nil {
		s.wg.Done()
		return "", err
	}

	jobCtx, cancel := s.jobContext(s.base, job)
	go func() {
		defer s.wg.Done()
		defer s.release(job.ID, cancel)
		if _, err := s.execute(jobCtx, job, tasks); err != nil {
			zap.L().Error("orchestrator: job aborted",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}()
	return job.ID, nil
}

// Run creates a job, runs it to completion, and returns its aggregate.
func (s *Supervisor) Run(ctx context.Context, subject model.Subject, opts Options) (*model.AggregateResult, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	job, tasks, err := s.prepare(ctx, subject, opts)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := s.jobContext(ctx, job)
	defer s.release(job.ID, cancel)
	return s.execute(jobCtx, job, tasks)
}

// jobContext derives the job's context: deadline-bound and cancellable
// through Cancel.
func (s *Supervisor) jobContext(parent context.Context, job *model.Job) (context.Context, context.CancelCauseFunc) {
	cctx, cancelCause := context.WithCancelCause(parent)
	dctx, cancelDeadline := context.WithDeadline(cctx, job.Deadline)
	cancel := func(cause error) {
		cancelCause(cause)
		cancelDeadline()
	}
	s.mu.Lock()
	s.running[job.ID] = cancelCause
	s.mu.Unlock()
	return dctx, cancel
}

func (s *Supervisor) release(jobID string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
	cancel(nil)
}

// execute moves a pending job to running, fans it out, and records the
// terminal aggregate.
func (s *Supervisor) execute(ctx context.Context, job *model.Job, tasks []collector.Task) (*model.AggregateResult, error) {
	log := zap.L().With(zap.String("job_id", job.ID))
	// Lifecycle writes must land even after the job context ends.
	writeCtx := context.WithoutCancel(ctx)

	tracker := NewTracker(job.ID, s.store, job.Pipeline)
	defer tracker.Close()
	if err := s.store.WriteStatus(writeCtx, job.ID, model.StatusSnapshot{
		State: model.JobRunning,
		Tasks: tracker.Snapshot(),
	}); err != nil {
		return nil, fatal("write running state", err)
	}
	log.Info("orchestrator: job started",
		zap.String("url", job.Subject.URL),
		zap.Int("kinds", len(tasks)),
		zap.Time("deadline", job.Deadline),
	)

	startedAt := time.Now()
	jc := model.JobContext{JobID: job.ID, Subject: job.Subject}
	outcomes := s.coord.Run(ctx, jc, tasks, tracker)
	finishedAt := time.Now()

	final := tracker.Freeze(outcomes)
	// Wait out an in-flight progress write so it cannot land after the
	// final view.
	tracker.Close()
	result := Aggregate(job, outcomes, startedAt, finishedAt)

	// Final per-kind view; the terminal write below carries the state.
	if err := s.store.WriteStatus(writeCtx, job.ID, model.StatusSnapshot{
		State: model.JobRunning,
		Tasks: final,
	}); err != nil {
		log.Warn("orchestrator: final progress write failed", zap.Error(err))
	}
	if err := s.store.WriteResult(writeCtx, job.ID, result); err != nil {
		return nil, fatal("write terminal state", err)
	}

	log.Info("orchestrator: job finished",
		zap.String("status", string(result.Classification)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("timed_out", result.TimedOut),
		zap.Int("skipped_budget", result.SkippedBudget),
		zap.Float64("cost_usd", result.TotalCostUSD),
		zap.Int64("duration_ms", result.WallClockMs),
	)
	return result, nil
}

// Poll returns the job's current status view.
func (s *Supervisor) Poll(ctx context.Context, jobID string) (*model.JobStatus, error) {
	js, err := s.store.ReadStatus(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: poll %s", jobID)
	}
	return js, nil
}

// List returns jobs matching filter, newest first.
func (s *Supervisor) List(ctx context.Context, filter store.JobFilter) ([]model.JobStatus, error) {
	jobs, err := s.store.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "orchestrator: list jobs")
}

// Cancel triggers the job's deadline path early. It reports false when the
// job is not running in this process.
func (s *Supervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel(ErrJobCancelled)
	}
	return ok
}

// Running returns the number of in-flight jobs.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown stops accepting submissions and waits for in-flight jobs. If ctx
// ends first, remaining jobs are cancelled, recorded as they stand, and
// ctx's error is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopBase(ErrShuttingDown)
		return nil
	case <-ctx.Done():
		s.stopBase(ErrShuttingDown)
		s.mu.Lock()
		for _, cancel := range s.running {
			cancel(ErrShuttingDown)
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
