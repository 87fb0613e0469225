package api

import "time"

// SubmitJobRequest is POST /projects's body (spec.md §6).
type SubmitJobRequest struct {
	ProjectID    string         `json:"project_id" binding:"required"`
	Requirements string         `json:"requirements" binding:"required"`
	Metadata     map[string]any `json:"metadata"`
}

// SubmitJobResponse is POST /projects's 201 body.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NotesRequest covers every endpoint whose body is just an optional/required notes field.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// CancelRequest is POST /projects/{job_id}/cancel's body.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// JobResponse is the wire shape of spec.md §3's Job entity.
type JobResponse struct {
	JobID         string         `json:"job_id"`
	ProjectID     string         `json:"project_id"`
	Status        string         `json:"status"`
	Stage         string         `json:"stage"`
	Requirements  string         `json:"requirements"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ArtifactResponse is GET /projects/{job_id}/artifacts/{type}'s body.
type ArtifactResponse struct {
	ArtifactID string    `json:"artifact_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageResponse is GET /projects/{job_id}/usage's body.
type UsageResponse struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int64   `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
	Estimated    bool    `json:"estimated"`
}
