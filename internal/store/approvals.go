package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordApproval is spec.md §4.1's record_approval.
func (s *Store) RecordApproval(ctx context.Context, tx pgx.Tx, jobID, stage, decision, notes string) (*Approval, error) {
	q := queryable(s, tx)
	a := &Approval{ID: uuid.NewString(), JobID: jobID, Stage: stage, Decision: decision, Notes: notes}

	row := q.QueryRow(ctx, `
		INSERT INTO approvals (id, job_id, stage, decision, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, a.ID, jobID, stage, decision, notes)

	if err := row.Scan(&a.CreatedAt); err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// LatestApproval returns the most recent approval for (job_id, stage). The
// orchestrator does not call it: its approval gate checks the job's
// waiting_for_approval status inside Approve instead.
func (s *Store) LatestApproval(ctx context.Context, tx pgx.Tx, jobID, stage string) (*Approval, error) {
	q := queryable(s, tx)
	row := q.QueryRow(ctx, `
		SELECT id, job_id, stage, decision, notes, created_at
		FROM approvals WHERE job_id = $1 AND stage = $2
		ORDER BY created_at DESC LIMIT 1`, jobID, stage)

	var a Approval
	if err := row.Scan(&a.ID, &a.JobID, &a.Stage, &a.Decision, &a.Notes, &a.CreatedAt); err != nil {
		return nil, classify(err)
	}
	return &a, nil
}
