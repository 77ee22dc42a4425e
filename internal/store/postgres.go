package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/db"
	"github.com/sells-group/lead-assess/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"insert_job":   `INSERT INTO assessment_jobs (id, subject, pipeline, state, state_rank, tasks, deadline, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"write_status": `UPDATE assessment_jobs SET state = $1, state_rank = $2, tasks = $3, updated_at = $4 WHERE id = $5 AND state_rank <= $2 AND state_rank < 2`,
	"read_status":  `SELECT ` + jobColumns + ` FROM assessment_jobs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg, func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS assessment_jobs (
	id         TEXT PRIMARY KEY,
	subject    JSONB NOT NULL,
	pipeline   JSONB NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	state_rank SMALLINT NOT NULL DEFAULT 0,
	tasks      JSONB NOT NULL DEFAULT '[]'::jsonb,
	result     JSONB,
	deadline   TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assessment_jobs_state ON assessment_jobs(state);
CREATE INDEX IF NOT EXISTS idx_assessment_jobs_created_at ON assessment_jobs(created_at DESC);
`

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, subject model.Subject, pipeline []model.TaskKind, deadline time.Time) (*model.Job, error) {
	subjectJSON, pipelineJSON, tasksJSON, err := encodeJob(subject, pipeline)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create job")
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO assessment_jobs (id, subject, pipeline, state, state_rank, tasks, deadline, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, subjectJSON, pipelineJSON, string(model.JobPending), model.JobPending.Rank(), tasksJSON, deadline.UTC(), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
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

func (s *PostgresStore) WriteStatus(ctx context.Context, jobID string, snap model.StatusSnapshot) error {
	tasksJSON, err := encodeTasks(snap.Tasks)
	if err != nil {
		return eris.Wrap(err, "postgres: write status")
	}
	rank := snap.State.Rank()
	tag, err := s.pool.Exec(ctx,
		`UPDATE assessment_jobs SET state = $1, state_rank = $2, tasks = $3, updated_at = $4 WHERE id = $5 AND state_rank <= $2 AND state_rank < 2`,
		string(snap.State), rank, tasksJSON, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: write status %s", jobID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.checkExists(ctx, s.pool, jobID)
}

// WriteResult locks the row, then stores the aggregate and terminal state
// together. A job that is already terminal is left untouched.
func (s *PostgresStore) WriteResult(ctx context.Context, jobID string, result *model.AggregateResult) error {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return eris.Wrap(err, "postgres: write result")
	}
	state := result.Classification.LifecycleState()

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var rank int
		err := tx.QueryRow(ctx,
			`SELECT state_rank FROM assessment_jobs WHERE id = $1 FOR UPDATE`, jobID,
		).Scan(&rank)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: write result %s", jobID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: lock job %s", jobID)
		}
		if rank >= model.JobComplete.Rank() {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE assessment_jobs SET state = $1, state_rank = $2, result = $3, updated_at = $4 WHERE id = $5`,
			string(state), state.Rank(), resultJSON, time.Now().UTC(), jobID,
		)
		return eris.Wrapf(err, "postgres: write result %s", jobID)
	})
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) checkExists(ctx context.Context, q queryRower, jobID string) error {
	var exists int
	err := q.QueryRow(ctx, `SELECT 1 FROM assessment_jobs WHERE id = $1`, jobID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return eris.Wrapf(err, "postgres: check job %s", jobID)
}

func (s *PostgresStore) ReadStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	r, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM assessment_jobs WHERE id = $1`, jobID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: read status %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read status %s", jobID)
	}
	js, err := r.decode()
	return js, eris.Wrap(err, "postgres: read status")
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobStatus, error) {
	query := `SELECT ` + jobColumns + ` FROM assessment_jobs WHERE 1=1`
	var args []any

	if filter.State != "" {
		args = append(args, string(filter.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	args = append(args, listLimit(filter))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobStatus
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		js, err := r.decode()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list jobs")
		}
		jobs = append(jobs, *js)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}
