package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RecordEvent persists an event row for audit (spec.md §3: "optionally
// persisted for audit"; DESIGN.md records the decision to always persist).
// cmd/agentbus calls it with a nil tx from the event bus's persister, after
// the state change that produced the event has committed.
// It returns the assigned monotonic event_id.
func (s *Store) RecordEvent(ctx context.Context, tx pgx.Tx, jobID, stage, agentKind *string, eventType string, data map[string]any) (int64, error) {
	payload, err := marshalJSON(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	q := queryable(s, tx)
	var id int64
	row := q.QueryRow(ctx, `
		INSERT INTO events (job_id, stage, agent_kind, type, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, jobID, stage, agentKind, eventType, payload)
	if err := row.Scan(&id); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// EventHistory reads persisted events from the audit table, including those
// that have aged out of the in-memory ring buffer. GET /events/history does
// not call it; that handler serves the ring buffer only.
func (s *Store) EventHistory(ctx context.Context, jobID string, afterID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, agent_kind, type, data, created_at
		FROM events
		WHERE ($1 = '' OR job_id = $1::uuid) AND id > $2
		ORDER BY id ASC LIMIT $3`, jobID, afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var dataRaw []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Stage, &e.AgentKind, &e.Type, &dataRaw, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		if e.Data, err = unmarshalJSON(dataRaw); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, &e)
	}
	return events, classify(rows.Err())
}
