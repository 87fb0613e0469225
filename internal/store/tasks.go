package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateTask is spec.md §4.1's create_task. Pass a non-nil tx to run it in
// the same transaction as update_job_stage when a stage transition
// enqueues its task, as spec.md §4.1 requires.
func (s *Store) CreateTask(ctx context.Context, tx pgx.Tx, jobID, stage, agentKind string, inputData map[string]any) (*Task, error) {
	input, err := marshalJSON(inputData)
	if err != nil {
		return nil, fmt.Errorf("marshal input_data: %w", err)
	}

	q := queryable(s, tx)
	task := &Task{ID: uuid.NewString(), JobID: jobID, Stage: stage, AgentKind: agentKind, Status: TaskQueued, Attempts: 1}

	row := q.QueryRow(ctx, `
		INSERT INTO tasks (id, job_id, stage, agent_kind, input_data, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING enqueued_at`, task.ID, jobID, stage, agentKind, input, TaskQueued)

	if err := row.Scan(&task.EnqueuedAt); err != nil {
		return nil, classify(err)
	}
	task.InputData = inputData
	return task, nil
}

// ClaimTask is spec.md §4.1's claim_task: sets status=in_progress, stamps
// started_at, fails with ErrAlreadyClaimed if the task is not queued.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, started_at = now(), worker_id = $3
		WHERE id = $1 AND status = $4
		RETURNING id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		          enqueued_at, started_at, finished_at, worker_id, error_kind, error_message`,
		taskID, TaskInProgress, workerID, TaskQueued)

	task, err := scanTask(row)
	if err == ErrNotFound {
		return nil, ErrAlreadyClaimed
	}
	return task, err
}

// FinishTask is spec.md §4.1's finish_task: terminal, idempotent on
// task_id (spec.md §4.3 edge case: repeated success on an already-finalized
// task is a no-op).
func (s *Store) FinishTask(ctx context.Context, taskID, status string, outputData map[string]any, errKind, errMessage *string) (*Task, error) {
	output, err := marshalJSON(outputData)
	if err != nil {
		return nil, fmt.Errorf("marshal output_data: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, output_data = $3, error_kind = $4, error_message = $5, finished_at = now()
		WHERE id = $1 AND status IN ($6, $7)
		RETURNING id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		          enqueued_at, started_at, finished_at, worker_id, error_kind, error_message`,
		taskID, status, output, errKind, errMessage, TaskQueued, TaskInProgress)

	task, err := scanTask(row)
	if err == ErrNotFound {
		// Already finalized: idempotent no-op, return the existing row.
		return s.GetTask(ctx, taskID)
	}
	return task, err
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		       enqueued_at, started_at, finished_at, worker_id, error_kind, error_message
		FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// ListTasks is spec.md §4.1's list_tasks.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		       enqueued_at, started_at, finished_at, worker_id, error_kind, error_message
		FROM tasks WHERE job_id = $1 ORDER BY enqueued_at ASC`, jobID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, classify(rows.Err())
}

// LatestTaskForStage returns the most recently created task for (job_id,
// stage) — used by the orchestrator's transition rule (spec.md §4.3(a)),
// which cares only about the latest attempt.
func (s *Store) LatestTaskForStage(ctx context.Context, tx pgx.Tx, jobID, stage string) (*Task, error) {
	q := queryable(s, tx)
	row := q.QueryRow(ctx, `
		SELECT id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		       enqueued_at, started_at, finished_at, worker_id, error_kind, error_message
		FROM tasks WHERE job_id = $1 AND stage = $2
		ORDER BY enqueued_at DESC LIMIT 1`, jobID, stage)
	return scanTask(row)
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var inputRaw, outputRaw []byte
	if err := row.Scan(&t.ID, &t.JobID, &t.Stage, &t.AgentKind, &inputRaw, &outputRaw, &t.Status, &t.Attempts,
		&t.EnqueuedAt, &t.StartedAt, &t.FinishedAt, &t.WorkerID, &t.ErrorKind, &t.ErrorMsg); err != nil {
		return nil, classify(err)
	}
	var err error
	if t.InputData, err = unmarshalJSON(inputRaw); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	if t.OutputData, err = unmarshalJSON(outputRaw); err != nil {
		return nil, fmt.Errorf("unmarshal output_data: %w", err)
	}
	return &t, nil
}

// StaleInProgressTasks finds tasks claimed by a worker whose heartbeat (in
// this design, simply started_at, since there is no separate heartbeat
// column) is older than threshold — the orphan-recovery sweep spec.md §4.3
// edge case 4 calls an "operator recovery action ... not specified here".
func (s *Store) StaleInProgressTasks(ctx context.Context, olderThan time.Duration) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		       enqueued_at, started_at, finished_at, worker_id, error_kind, error_message
		FROM tasks WHERE status = $1 AND started_at < $2`,
		TaskInProgress, time.Now().Add(-olderThan))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, classify(rows.Err())
}

// RequeueOrphan moves a stale in-progress task back to queued and increments
// its attempts count, the "operator recovery action" of spec.md §4.3 edge case 4.
func (s *Store) RequeueOrphan(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, started_at = NULL, worker_id = NULL, attempts = attempts + 1
		WHERE id = $1 AND status = $3
		RETURNING id, job_id, stage, agent_kind, input_data, output_data, status, attempts,
		          enqueued_at, started_at, finished_at, worker_id, error_kind, error_message`,
		taskID, TaskQueued, TaskInProgress)
	return scanTask(row)
}
