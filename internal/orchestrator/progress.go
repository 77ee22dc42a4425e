package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/store"
)

// Tracker is the per-job live view of every task kind. Updates are
// serialized in memory; a single writer goroutine persists them in order,
// keeping only the newest snapshot when the store falls behind. Reads never
// wait on the store. Once frozen, updates from lingering goroutines are
// dropped.
type Tracker struct {
	mu      sync.Mutex
	jobID   string
	store   store.Store
	order   []model.TaskKind
	kinds   map[model.TaskKind]*model.KindStatus
	started map[model.TaskKind]time.Time
	frozen  bool
	log     *zap.Logger

	pending []model.KindStatus // newest unwritten snapshot, nil when none
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewTracker creates a tracker with every kind in pipeline not_started.
// st may be nil for runs that are not persisted. Call Close when the job is
// finished to stop the writer.
func NewTracker(jobID string, st store.Store, pipeline []model.TaskKind) *Tracker {
	t := &Tracker{
		jobID:   jobID,
		store:   st,
		order:   append([]model.TaskKind(nil), pipeline...),
		kinds:   make(map[model.TaskKind]*model.KindStatus, len(pipeline)),
		started: make(map[model.TaskKind]time.Time, len(pipeline)),
		log:     zap.L().With(zap.String("job_id", jobID)),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, k := range pipeline {
		t.kinds[k] = &model.KindStatus{Kind: k, State: model.OutcomeNotStarted}
	}
	if st == nil {
		close(t.done)
	} else {
		go t.writeLoop()
	}
	return t
}

// Update records a transition for kind and queues the snapshot for the
// writer. It never blocks on the store.
func (t *Tracker) Update(_ context.Context, kind model.TaskKind, state model.OutcomeStatus, attempts int, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	ks, ok := t.kinds[kind]
	if !ok || ks.State.Terminal() {
		return
	}
	if _, ok := t.started[kind]; !ok && state != model.OutcomeNotStarted {
		t.started[kind] = time.Now()
	}
	ks.State = state
	ks.Attempts = attempts
	ks.CostUSD = costUSD

	if t.store == nil || t.closed {
		return
	}
	t.pending = t.snapshotLocked()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// writeLoop persists queued snapshots until Close. A snapshot still pending
// at Close is written before the loop exits.
func (t *Tracker) writeLoop() {
	defer close(t.done)
	for {
		select {
		case <-t.wake:
			t.flush()
		case <-t.stop:
			t.flush()
			return
		}
	}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	tasks := t.pending
	t.pending = nil
	t.mu.Unlock()
	if tasks == nil {
		return
	}
	snap := model.StatusSnapshot{State: model.JobRunning, Tasks: tasks}
	if err := t.store.WriteStatus(context.Background(), t.jobID, snap); err != nil {
		t.log.Warn("orchestrator: progress write failed", zap.Error(err))
	}
}

// Close stops the writer and waits for its last write. Safe to call more
// than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	t.mu.Unlock()
	if t.store != nil {
		close(t.stop)
	}
	<-t.done
}

// Get returns the current status of kind.
func (t *Tracker) Get(kind model.TaskKind) model.KindStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ks, ok := t.kinds[kind]; ok {
		return *ks
	}
	return model.KindStatus{Kind: kind, State: model.OutcomeNotStarted}
}

// StartedAt returns when kind left not_started, or zero.
func (t *Tracker) StartedAt(kind model.TaskKind) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started[kind]
}

// Snapshot returns all kinds in pipeline order.
func (t *Tracker) Snapshot() []model.KindStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []model.KindStatus {
	out := make([]model.KindStatus, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.kinds[k])
	}
	return out
}

// Freeze applies the final outcomes and stops accepting updates. Any
// snapshot not yet written is discarded; the caller writes the final view.
func (t *Tracker) Freeze(outcomes map[model.TaskKind]model.TaskOutcome) []model.KindStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, o := range outcomes {
		if ks, ok := t.kinds[k]; ok {
			ks.State = o.Status
			ks.Attempts = o.Attempts
			ks.CostUSD = o.CostUSD
		}
	}
	t.frozen = true
	t.pending = nil
	return t.snapshotLocked()
}
