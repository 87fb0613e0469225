package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateAgent_MissingRequiredField(t *testing.T) {
	registry := BuildDefaultRegistry()
	impl, ok := registry.Get("prd")
	require.True(t, ok)

	_, err := impl.Run(context.Background(), map[string]any{}, &Context{LLM: &MockLLMClient{}})
	var badInput *BadInputError
	require.ErrorAs(t, err, &badInput)
	assert.Equal(t, "requirements", badInput.Field)
}

func TestTemplateAgent_Success(t *testing.T) {
	registry := BuildDefaultRegistry()
	impl, ok := registry.Get("prd")
	require.True(t, ok)

	out, err := impl.Run(context.Background(), map[string]any{"requirements": "build a notes app"}, &Context{
		LLM:          &MockLLMClient{Response: "# PRD\n\nnotes app"},
		Requirements: "build a notes app",
	})
	require.NoError(t, err)
	assert.Equal(t, "prd", out.ArtifactType)
	assert.Equal(t, "# PRD\n\nnotes app", out.Content)
	assert.Greater(t, out.Usage.InputTokens, 0)
	assert.Equal(t, true, out.Metadata["rendered_ok"])
}

func TestTemplateAgent_ReportsUsageEstimatedWhenProviderOmitsTokenCounts(t *testing.T) {
	registry := BuildDefaultRegistry()
	impl, ok := registry.Get("prd")
	require.True(t, ok)

	out, err := impl.Run(context.Background(), map[string]any{"requirements": "build a notes app"}, &Context{
		LLM: &zeroTokenLLMClient{response: "# PRD\n\nnotes app"},
	})
	require.NoError(t, err)
	assert.True(t, out.Usage.Estimated)
	assert.Greater(t, out.Usage.InputTokens, 0)
}

// zeroTokenLLMClient mimics a provider response with no token accounting,
// forcing TemplateAgent.Run onto the EstimateUsage fallback path.
type zeroTokenLLMClient struct{ response string }

func (z *zeroTokenLLMClient) Complete(ctx context.Context, prompt string, options map[string]any) (*CompletionResult, error) {
	return &CompletionResult{Text: z.response}, nil
}

func TestRegistry_UnknownKind(t *testing.T) {
	registry := BuildDefaultRegistry()
	_, ok := registry.Get("does-not-exist")
	assert.False(t, ok)
}

func TestBuildDefaultRegistry_RegistersEveryDefaultStage(t *testing.T) {
	registry := BuildDefaultRegistry()
	for _, spec := range DefaultStageSpecs {
		_, ok := registry.Get(spec.AgentKind)
		assert.True(t, ok, "expected %q to be registered", spec.AgentKind)
	}
}
