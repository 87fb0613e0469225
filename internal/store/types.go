package store

import "time"

// Job statuses, exactly spec.md §3's enumeration.
const (
	JobQueued             = "queued"
	JobRunning            = "running"
	JobWaitingForApproval = "waiting_for_approval"
	JobCompleted          = "completed"
	JobFailed             = "failed"
	JobCancelled          = "cancelled"
)

// Task statuses, exactly spec.md §3's enumeration.
const (
	TaskQueued     = "queued"
	TaskInProgress = "in_progress"
	TaskSucceeded  = "succeeded"
	TaskFailed     = "failed"
)

// Approval decisions, spec.md §3.
const (
	DecisionApprove        = "approve"
	DecisionRequestChanges = "request_changes"
)

// Job is spec.md §3's Job entity.
type Job struct {
	ID            string
	ProjectID     string
	Status        string
	Stage         string
	Requirements  string
	Metadata      map[string]any
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job cannot accept further transitions.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}

// Task is spec.md §3's Task entity.
type Task struct {
	ID          string
	JobID       string
	Stage       string
	AgentKind   string
	InputData   map[string]any
	OutputData  map[string]any
	Status      string
	Attempts    int
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	WorkerID    *string
	ErrorKind   *string
	ErrorMsg    *string
}

// Terminal reports whether the task has reached succeeded/failed.
func (t *Task) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// Artifact is spec.md §3's Artifact entity.
type Artifact struct {
	ID           string
	JobID        string
	ArtifactType string
	Content      string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Approval is spec.md §3's Approval entity.
type Approval struct {
	ID        string
	JobID     string
	Stage     string
	Decision  string
	Notes     string
	CreatedAt time.Time
}

// Event is spec.md §3's Event entity, as persisted for audit (§4.5).
type Event struct {
	ID        int64
	JobID     *string
	Stage     *string
	AgentKind *string
	Type      string
	Data      map[string]any
	CreatedAt time.Time
}

// UsageCounter is spec.md §3's per-job usage aggregate.
type UsageCounter struct {
	JobID        string
	InputTokens  int64
	OutputTokens int64
	Calls        int64
	CostUSD      float64
	Estimated    bool
	UpdatedAt    time.Time
}

// JobFilter narrows list_jobs (spec.md §4.1).
type JobFilter struct {
	ProjectID string
	Status    string
}
