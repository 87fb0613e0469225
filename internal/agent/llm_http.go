package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPLLMClient is the default, concrete LLMClient: a small JSON-over-HTTP
// client against a configurable provider endpoint. The teacher's own
// outbound LLM client (pkg/agent/llm_grpc.go) talks gRPC to a generated
// proto.Message client; that path cannot be hand-authored without running
// protoc (see DESIGN.md), and the LLM provider itself is an explicit
// external collaborator out of scope per spec.md §1, so this client
// implements the same Complete contract over plain HTTP instead.
type HTTPLLMClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPLLMClient constructs an HTTPLLMClient.
func NewHTTPLLMClient(baseURL, apiKey, model string) *HTTPLLMClient {
	return &HTTPLLMClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

type completionRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

type completionResponse struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Complete implements LLMClient.Complete by POSTing to baseURL+"/complete".
// 5xx and 429 responses are wrapped with Transient so the worker's retry
// loop (spec.md §4.4) treats them as retryable.
func (c *HTTPLLMClient) Complete(ctx context.Context, prompt string, options map[string]any) (*CompletionResult, error) {
	body, err := json.Marshal(completionRequest{Model: c.model, Prompt: prompt, Options: options})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/complete", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("llm request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, Transient(fmt.Errorf("llm provider returned %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm provider returned %d: %s", resp.StatusCode, respBody)
	}

	var out completionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}

	return &CompletionResult{
		Text:         out.Text,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Cost:         out.Cost,
	}, nil
}

// MockLLMClient is a deterministic LLMClient for local runs and tests:
// it never calls a real network endpoint, matching the teacher's test
// harness pattern of a mock LLM backing every e2e scenario
// (test/e2e/mock_llm.go) without a live provider.
type MockLLMClient struct {
	// Response, if set, is returned verbatim; otherwise a templated
	// placeholder derived from the prompt is returned.
	Response string
}

func (m *MockLLMClient) Complete(ctx context.Context, prompt string, options map[string]any) (*CompletionResult, error) {
	text := m.Response
	if text == "" {
		text = "mock response for: " + truncate(prompt, 80)
	}
	return &CompletionResult{
		Text:         text,
		InputTokens:  len(prompt) / 4,
		OutputTokens: len(text) / 4,
		Cost:         0,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
