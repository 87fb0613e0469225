// Package events is Agent Bus's Event Bus (spec.md §4.5): in-process
// pub/sub with bounded per-subscriber buffers, a ring buffer for replay,
// and an SSE adapter fanning events to HTTP clients.
package events

import "time"

// Type enumerates spec.md §4.5's exhaustive event type list. Per DESIGN.md's
// Open Question decision, only job_failed/task_failed are emitted — not the
// source's overlapping "failed" — per spec.md §9's recommendation.
type Type string

const (
	JobCreated               Type = "job_created"
	JobStarted               Type = "job_started"
	JobCompleted             Type = "job_completed"
	JobFailed                Type = "job_failed"
	JobCancelled             Type = "job_cancelled"
	StageStarted             Type = "stage_started"
	StageCompleted           Type = "stage_completed"
	TaskStarted              Type = "task_started"
	TaskCompleted            Type = "task_completed"
	TaskFailed               Type = "task_failed"
	HITLRequested            Type = "hitl_requested"
	Approved                 Type = "approved"
	Rejected                 Type = "rejected"
	AgentEvent               Type = "agent_event"
	TaskCompletedAfterCancel Type = "task_completed_after_cancel"
	DroppedEvent             Type = "dropped_event"
)

// Event is spec.md §3's Event entity.
type Event struct {
	ID        int64          `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	JobID     *string        `json:"job_id,omitempty"`
	Stage     *string        `json:"stage,omitempty"`
	AgentKind *string        `json:"agent_kind,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
