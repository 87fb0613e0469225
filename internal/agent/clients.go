package agent

import "context"

// LLMClient is spec.md §6's outbound LLM contract: complete(prompt,
// options) → {text, input_tokens, output_tokens, cost}. Must be
// cancellable — ctx carries that.
type LLMClient interface {
	Complete(ctx context.Context, prompt string, options map[string]any) (*CompletionResult, error)
}

// CompletionResult is the LLMClient.complete return value.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// MemoryClient is spec.md §6's outbound memory-store contract.
type MemoryClient interface {
	Search(ctx context.Context, query string, topK int, filter map[string]any) ([]MemoryHit, error)
	Store(ctx context.Context, kind, text string, metadata map[string]any) (string, error)
}

// SkillsClient is spec.md §6's outbound skills-registry contract.
type SkillsClient interface {
	List(ctx context.Context, agentKind string) ([]string, error)
	Load(ctx context.Context, name string) (map[string]any, error)
}

// NoopMemoryClient is the default MemoryClient: the memory store is an
// external collaborator out of scope per spec.md §1, so Agent Bus ships a
// client that reports no hits rather than a real vector/keyword store.
type NoopMemoryClient struct{}

func (NoopMemoryClient) Search(ctx context.Context, query string, topK int, filter map[string]any) ([]MemoryHit, error) {
	return nil, nil
}

func (NoopMemoryClient) Store(ctx context.Context, kind, text string, metadata map[string]any) (string, error) {
	return "", nil
}

// NoopSkillsClient is the default SkillsClient, for the same reason.
type NoopSkillsClient struct{}

func (NoopSkillsClient) List(ctx context.Context, agentKind string) ([]string, error) {
	return nil, nil
}

func (NoopSkillsClient) Load(ctx context.Context, name string) (map[string]any, error) {
	return map[string]any{}, nil
}
