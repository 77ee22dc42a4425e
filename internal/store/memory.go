package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
)

// MemoryStore implements Store in process memory. Values are kept in their
// encoded form so readers never share state with writers.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*row
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*row)}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, subject model.Subject, pipeline []model.TaskKind, deadline time.Time) (*model.Job, error) {
	subjectJSON, pipelineJSON, tasksJSON, err := encodeJob(subject, pipeline)
	if err != nil {
		return nil, eris.Wrap(err, "memory: create job")
	}
	now := time.Now().UTC()
	id := uuid.New().String()

	s.mu.Lock()
	s.jobs[id] = &row{
		id:        id,
		subject:   subjectJSON,
		pipeline:  pipelineJSON,
		state:     string(model.JobPending),
		tasks:     tasksJSON,
		deadline:  deadline.UTC(),
		createdAt: now,
		updatedAt: now,
	}
	s.mu.Unlock()

	return &model.Job{
		ID:        id,
		Subject:   subject,
		Pipeline:  pipeline,
		State:     model.JobPending,
		Deadline:  deadline.UTC(),
		CreatedAt: now,
	}, nil
}

func (s *MemoryStore) WriteStatus(_ context.Context, jobID string, snap model.StatusSnapshot) error {
	tasksJSON, err := encodeTasks(snap.Tasks)
	if err != nil {
		return eris.Wrap(err, "memory: write status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: write status %s", jobID)
	}
	cur := model.LifecycleState(r.state)
	if cur.Terminal() || snap.State.Rank() < cur.Rank() {
		return nil
	}
	r.state = string(snap.State)
	r.tasks = tasksJSON
	r.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) WriteResult(_ context.Context, jobID string, result *model.AggregateResult) error {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return eris.Wrap(err, "memory: write result")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: write result %s", jobID)
	}
	if model.LifecycleState(r.state).Terminal() {
		return nil
	}
	r.state = string(result.Classification.LifecycleState())
	r.result = resultJSON
	r.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReadStatus(_ context.Context, jobID string) (*model.JobStatus, error) {
	s.mu.RLock()
	r, ok := s.jobs[jobID]
	var snapshot row
	if ok {
		snapshot = *r
	}
	s.mu.RUnlock()

	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: read status %s", jobID)
	}
	js, err := snapshot.decode()
	return js, eris.Wrap(err, "memory: read status")
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.JobStatus, error) {
	s.mu.RLock()
	rows := make([]row, 0, len(s.jobs))
	for _, r := range s.jobs {
		if filter.State != "" && r.state != string(filter.State) {
			continue
		}
		if !filter.Since.IsZero() && r.createdAt.Before(filter.Since) {
			continue
		}
		rows = append(rows, *r)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdAt.Equal(rows[j].createdAt) {
			return rows[i].id > rows[j].id
		}
		return rows[i].createdAt.After(rows[j].createdAt)
	})

	offset := max(filter.Offset, 0)
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit := listLimit(filter); len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]model.JobStatus, 0, len(rows))
	for i := range rows {
		js, err := rows[i].decode()
		if err != nil {
			return nil, eris.Wrap(err, "memory: list jobs")
		}
		out = append(out, *js)
	}
	return out, nil
}
