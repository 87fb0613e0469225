// Package agent is the Agent Runtime (spec.md §4.4): the contract an
// "agent" satisfies, the static registry that dispatches agent_kind to an
// implementation, and the outbound LLM/memory/skills client interfaces
// spec.md §6 names as external collaborators.
package agent

import (
	"context"
	"errors"
)

// Usage is spec.md §4.4's per-call usage figure, returned by every agent
// run and accumulated into the store's UsageCounter.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	// Estimated is set when the agent didn't report a provider-issued
	// usage figure and internal/agent/tokens.go filled one in.
	Estimated bool
}

// MemoryHit is one result from MemoryClient.search, spec.md §4.4's output contract.
type MemoryHit struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]any
}

// Output is spec.md §4.4's agent output contract:
// {artifact_type, content, structured_output, usage, memory_hits}.
type Output struct {
	ArtifactType     string
	Content          string
	Metadata         map[string]any
	StructuredOutput map[string]any
	Usage            Usage
	MemoryHits       []MemoryHit
}

// Context is spec.md §4.4's AgentContext: {job_id, requirements,
// prior_artifacts, memory_client, llm_client, skills_client,
// cancellation_token}. The cancellation token is Ctx itself — Go's
// context.Context already is a cancellation token; no separate type is
// needed (spec.md §9's "re-express coroutine cancellation" note).
type Context struct {
	Ctx            context.Context
	JobID          string
	Requirements   string
	PriorArtifacts *ArtifactCache
	LLM            LLMClient
	Memory         MemoryClient
	Skills         SkillsClient
}

// Agent is spec.md §4.4's per-agent-kind contract: a pure function from
// (task input, context) to output. Implementations must not write to the
// store or queue directly — the worker performs those on the agent's
// behalf, per spec.md §4.4.
type Agent interface {
	// Run executes one task attempt. input is the task's input_data map.
	Run(ctx context.Context, input map[string]any, actx *Context) (*Output, error)

	// RetrySafe reports whether the orchestrator may re-create a task row
	// for this agent kind after a permanent failure (DESIGN.md's Open
	// Question decision for spec.md §4.6's stage-retry opt-in).
	RetrySafe() bool
}

// BadInputError is a non-retryable failure: input_data is missing a
// required field or contains an invalid value (spec.md §4.4).
type BadInputError struct {
	Field   string
	Message string
}

func (e *BadInputError) Error() string {
	return "bad input: " + e.Field + ": " + e.Message
}

// transientError marks an error as retryable (LLM rate-limit, 5xx,
// storage-unavailable), per spec.md §4.6's classification.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &transientError{err: err} }

// IsTransient reports whether err was produced by Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
