package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/lead-assess/internal/model"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("store: job not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	State  model.LifecycleState `json:"state,omitempty"`
	Since  time.Time            `json:"since,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// Store persists job lifecycle, live progress and terminal results.
//
// State writes are monotonic: a write whose state ranks below the stored
// state is ignored, and nothing changes once a job is terminal. Ignored
// writes are not errors, which makes every write idempotent on job id.
type Store interface {
	// CreateJob allocates a job id and records the job as pending.
	CreateJob(ctx context.Context, subject model.Subject, pipeline []model.TaskKind, deadline time.Time) (*model.Job, error)
	// WriteStatus records the lifecycle state and per-kind progress.
	WriteStatus(ctx context.Context, jobID string, snap model.StatusSnapshot) error
	// WriteResult stores the aggregate and the terminal state it implies in
	// one write.
	WriteResult(ctx context.Context, jobID string, result *model.AggregateResult) error
	// ReadStatus returns the poll view of a job.
	ReadStatus(ctx context.Context, jobID string) (*model.JobStatus, error)
	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]model.JobStatus, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(f JobFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
