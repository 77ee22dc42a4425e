package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-assess/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := NewPostgresFromPool(mock)
	return s, mock
}

var jobRowColumns = []string{"id", "subject", "pipeline", "state", "tasks", "result", "deadline", "created_at", "updated_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS assessment_jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO assessment_jobs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), []byte(`["security","seo"]`), "pending", 0,
			[]byte(`[{"kind":"security","state":"not_started","attempts":0,"cost_usd":0},{"kind":"seo","state":"not_started","attempts":0,"cost_usd":0}]`),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), testSubject(),
		[]model.TaskKind{model.TaskSecurity, model.TaskSEO}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobPending, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO assessment_jobs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "pending", 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	_, err := s.CreateJob(context.Background(), testSubject(), nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: insert job")
}

func TestPostgresStore_WriteStatus_Applied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE assessment_jobs SET state = \$1, state_rank = \$2, tasks = \$3`).
		WithArgs("running", 1, pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.WriteStatus(context.Background(), "job-1", model.StatusSnapshot{State: model.JobRunning})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteStatus_IgnoredRegression(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE assessment_jobs SET state`).
		WithArgs("pending", 0, pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM assessment_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	err := s.WriteStatus(context.Background(), "job-1", model.StatusSnapshot{State: model.JobPending})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE assessment_jobs SET state`).
		WithArgs("running", 1, pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM assessment_jobs`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := s.WriteStatus(context.Background(), "missing", model.StatusSnapshot{State: model.JobRunning})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state_rank FROM assessment_jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state_rank"}).AddRow(1))
	mock.ExpectExec(`UPDATE assessment_jobs SET state = \$1, state_rank = \$2, result = \$3`).
		WithArgs("partial", 2, pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.WriteResult(context.Background(), "job-1", testResult("job-1", model.ClassPartial))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteResult_AlreadyTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state_rank FROM assessment_jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state_rank"}).AddRow(2))
	mock.ExpectCommit()

	err := s.WriteResult(context.Background(), "job-1", testResult("job-1", model.ClassComplete))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state_rank FROM assessment_jobs`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.WriteResult(context.Background(), "missing", testResult("missing", model.ClassFailed))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	result, err := json.Marshal(testResult("job-1", model.ClassPartial))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, subject, pipeline, state, tasks, result, deadline, created_at, updated_at FROM assessment_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			"job-1",
			[]byte(`{"url":"https://acme.com","name":"Acme Corp"}`),
			[]byte(`["security","seo"]`),
			"partial",
			[]byte(`[{"kind":"security","state":"succeeded","attempts":1,"cost_usd":0}]`),
			result,
			now.Add(time.Minute), now, now,
		))

	got, err := s.ReadStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPartial, got.State)
	assert.Equal(t, "Acme Corp", got.Subject.Name)
	assert.Equal(t, []model.TaskKind{model.TaskSecurity, model.TaskSEO}, got.Pipeline)
	require.Len(t, got.Tasks, 1)
	require.NotNil(t, got.Result)
	assert.Equal(t, 4, got.Result.TotalAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM assessment_jobs WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.ReadStatus(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Now().Add(-24 * time.Hour)
	now := time.Now().UTC()

	mock.ExpectQuery(`AND state = \$1 AND created_at >= \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", pgxmock.AnyArg(), 10, 5).
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			"job-9", []byte(`{"url":"https://x.com"}`), []byte(`["seo"]`), "failed",
			[]byte(`[]`), []byte(nil), now, now, now,
		))

	jobs, err := s.ListJobs(context.Background(), JobFilter{State: model.JobFailed, Since: since, Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-9", jobs[0].JobID)
	assert.Nil(t, jobs[0].Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
