package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const schedulerSchema = `
CREATE TABLE IF NOT EXISTS envdb_jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	schedule    TEXT NOT NULL,
	job_type    TEXT NOT NULL,
	config      JSONB,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	last_run    TIMESTAMPTZ,
	next_run    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS envdb_job_runs (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES envdb_jobs(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	error      TEXT NOT NULL DEFAULT '',
	output     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS envdb_job_runs_recent ON envdb_job_runs (job_id, started_at DESC);
`

const jobColumns = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`

// PostgresStore keeps jobs and their run history in the control-plane database so every
// server replica sees the same schedule.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schedulerSchema); err != nil {
		return fmt.Errorf("creating scheduler tables: %w", err)
	}
	return nil
}

// storedJob is the row form of Job; Config travels as JSONB.
type storedJob struct {
	Job
	RawConfig []byte `db:"config"`
}

func newStoredJob(job *Job) (*storedJob, error) {
	raw, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding config of job %s: %w", job.Name, err)
	}
	return &storedJob{Job: *job, RawConfig: raw}, nil
}

func (r *storedJob) decode() (*Job, error) {
	job := r.Job
	job.Config = nil
	if len(r.RawConfig) > 0 {
		if err := json.Unmarshal(r.RawConfig, &job.Config); err != nil {
			return nil, fmt.Errorf("decoding config of job %s: %w", r.ID, err)
		}
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row storedJob
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM envdb_jobs WHERE id = $1`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return row.decode()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []storedJob
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM envdb_jobs ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	row, err := newStoredJob(job)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO envdb_jobs (`+jobColumns+`)
		VALUES (:id, :name, :description, :schedule, :job_type, :config, :enabled, :last_run, :next_run, :created_at, :updated_at)`,
		row); err != nil {
		return fmt.Errorf("creating job %s: %w", job.Name, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()

	row, err := newStoredJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE envdb_jobs
		SET name = :name, description = :description, schedule = :schedule, job_type = :job_type,
		    config = :config, enabled = :enabled, next_run = :next_run, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envdb_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE envdb_jobs SET last_run = $2, updated_at = $2 WHERE id = $1`, id, lastRun)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO envdb_job_runs (id, job_id, status, started_at, ended_at, error, output)
		VALUES (:id, :job_id, :status, :started_at, :ended_at, :error, :output)`, exec)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE envdb_job_runs SET status = :status, ended_at = :ended_at, error = :error, output = :output
		WHERE id = :id`, exec)
	return err
}

// GetJobExecutions returns the newest runs of a job first.
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM envdb_job_runs WHERE job_id = $1
		ORDER BY started_at DESC LIMIT $2`, jobID, limit)
	return execs, err
}
