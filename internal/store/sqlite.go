package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-assess/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS assessment_jobs (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL,
	pipeline   TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	state_rank INTEGER NOT NULL DEFAULT 0,
	tasks      TEXT NOT NULL DEFAULT '[]',
	result     TEXT,
	deadline   DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_assessment_jobs_state ON assessment_jobs(state);
CREATE INDEX IF NOT EXISTS idx_assessment_jobs_created_at ON assessment_jobs(created_at);
`

const jobColumns = `id, subject, pipeline, state, tasks, result, deadline, created_at, updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, subject model.Subject, pipeline []model.TaskKind, deadline time.Time) (*model.Job, error) {
	subjectJSON, pipelineJSON, tasksJSON, err := encodeJob(subject, pipeline)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create job")
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assessment_jobs (id, subject, pipeline, state, state_rank, tasks, deadline, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(subjectJSON), string(pipelineJSON), string(model.JobPending), model.JobPending.Rank(),
		string(tasksJSON), deadline.UTC(), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.Job{
		ID:        id,
		Subject:   subject,
		Pipeline:  pipeline,
		State:     model.JobPending,
		Deadline:  deadline.UTC(),
		CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) WriteStatus(ctx context.Context, jobID string, snap model.StatusSnapshot) error {
	tasksJSON, err := encodeTasks(snap.Tasks)
	if err != nil {
		return eris.Wrap(err, "sqlite: write status")
	}
	rank := snap.State.Rank()
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessment_jobs SET state = ?, state_rank = ?, tasks = ?, updated_at = ?
		 WHERE id = ? AND state_rank <= ? AND state_rank < 2`,
		string(snap.State), rank, string(tasksJSON), time.Now().UTC(), jobID, rank,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: write status %s", jobID)
	}
	return s.checkApplied(ctx, res, jobID)
}

func (s *SQLiteStore) WriteResult(ctx context.Context, jobID string, result *model.AggregateResult) error {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: write result")
	}
	state := result.Classification.LifecycleState()
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessment_jobs SET state = ?, state_rank = ?, result = ?, updated_at = ?
		 WHERE id = ? AND state_rank < 2`,
		string(state), state.Rank(), string(resultJSON), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: write result %s", jobID)
	}
	return s.checkApplied(ctx, res, jobID)
}

// checkApplied distinguishes a write ignored by the monotonic guard from a
// write to an unknown job.
func (s *SQLiteStore) checkApplied(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM assessment_jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	return eris.Wrapf(err, "sqlite: check job %s", jobID)
}

func (s *SQLiteStore) ReadStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM assessment_jobs WHERE id = ?`, jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: read status %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read status %s", jobID)
	}
	js, err := r.decode()
	return js, eris.Wrap(err, "sqlite: read status")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobStatus, error) {
	query := `SELECT ` + jobColumns + ` FROM assessment_jobs WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobStatus
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		js, err := r.decode()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list jobs")
		}
		jobs = append(jobs, *js)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}
