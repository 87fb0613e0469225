package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const stageInitialization = "initialization"

// CreateJob is spec.md §4.1's create_job: a new job starts at
// stage=initialization, status=queued.
func (s *Store) CreateJob(ctx context.Context, projectID, requirements string, metadata map[string]any) (*Job, error) {
	if requirements == "" {
		return nil, &ValidationError{Field: "requirements", Message: "must not be empty"}
	}

	meta, err := marshalJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	job := &Job{ID: uuid.NewString(), ProjectID: projectID, Status: JobQueued, Stage: stageInitialization}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, project_id, status, stage, requirements, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		job.ID, job.ProjectID, job.Status, job.Stage, requirements, meta)

	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	job.Requirements = requirements
	job.Metadata = metadata
	return job, nil
}

// GetJob is spec.md §4.1's get_job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at
		FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var metaRaw []byte
	if err := row.Scan(&j.ID, &j.ProjectID, &j.Status, &j.Stage, &j.Requirements, &metaRaw, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	meta, err := unmarshalJSON(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal job metadata: %w", err)
	}
	j.Metadata = meta
	return &j, nil
}

// ListJobs is spec.md §4.1's list_jobs.
func (s *Store) ListJobs(ctx context.Context, limit int, filter JobFilter) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at
		FROM jobs
		WHERE ($1 = '' OR project_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, filter.ProjectID, filter.Status, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, classify(rows.Err())
}

// UpdateJobStage is spec.md §4.1's update_job_stage. Fails with ErrConflict
// if the job is terminal (spec.md §3 invariant (c)).
func (s *Store) UpdateJobStage(ctx context.Context, tx pgx.Tx, jobID, stage, status string, failureReason *string) (*Job, error) {
	q := queryable(s, tx)
	row := q.QueryRow(ctx, `
		UPDATE jobs
		SET stage = $2, status = $3, failure_reason = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ($5, $6, $7)
		RETURNING id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at`,
		jobID, stage, status, failureReason, JobCompleted, JobFailed, JobCancelled)

	job, err := scanJob(row)
	if err == ErrNotFound {
		// Distinguish "job doesn't exist" from "job exists but is terminal".
		existing, getErr := s.getJobTx(ctx, q, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Terminal() {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return job, err
}

func (s *Store) getJobTx(ctx context.Context, q rowQuerier, jobID string) (*Job, error) {
	row := q.QueryRow(ctx, `
		SELECT id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at
		FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// LockJob acquires the row-level lock spec.md §4.3/§5 requires to serialize
// per-job stage transitions. Must be called inside a transaction; the lock
// is released on commit/rollback.
func (s *Store) LockJob(ctx context.Context, tx pgx.Tx, jobID string) (*Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, project_id, status, stage, requirements, metadata, failure_reason, created_at, updated_at
		FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	return scanJob(row)
}

// DeleteJob destroys a job and (via ON DELETE CASCADE) every task,
// artifact, and approval it owns, per spec.md §3's Job lifecycle.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BeginTx starts a transaction for callers (the orchestrator) that need to
// group multiple store operations atomically.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// rowQuerier abstracts over *pgxpool.Pool and pgx.Tx for read helpers that
// may run either standalone or inside a caller's transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryable(s *Store, tx pgx.Tx) rowQuerier {
	if tx != nil {
		return tx
	}
	return s.pool
}
