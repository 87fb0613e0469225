package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/yuin/goldmark"
)

// TemplateAgent is the default Agent implementation for every pipeline
// stage: render a small text/template prompt from input_data plus prior
// artifacts, call the LLM client, and validate the result as markdown.
// Per-stage prompt engineering is explicitly out of scope (spec.md §1);
// this is the minimal agent needed to drive the orchestration core
// end-to-end.
type TemplateAgent struct {
	Kind           string
	ArtifactType   string
	RequiredFields []string
	PromptTemplate *template.Template
	retrySafe      bool
}

// NewTemplateAgent compiles promptText once at registry build time.
func NewTemplateAgent(kind, artifactType, promptText string, requiredFields []string, retrySafe bool) *TemplateAgent {
	tmpl := template.Must(template.New(kind).Parse(promptText))
	return &TemplateAgent{Kind: kind, ArtifactType: artifactType, RequiredFields: requiredFields, PromptTemplate: tmpl, retrySafe: retrySafe}
}

func (a *TemplateAgent) RetrySafe() bool { return a.retrySafe }

func (a *TemplateAgent) Run(ctx context.Context, input map[string]any, actx *Context) (*Output, error) {
	for _, field := range a.RequiredFields {
		if _, ok := input[field]; !ok {
			return nil, &BadInputError{Field: field, Message: "required by agent " + a.Kind}
		}
	}

	var promptBuf bytes.Buffer
	data := map[string]any{"input": input, "requirements": actx.Requirements, "job_id": actx.JobID}
	if err := a.PromptTemplate.Execute(&promptBuf, data); err != nil {
		return nil, fmt.Errorf("render prompt for %s: %w", a.Kind, err)
	}

	result, err := actx.LLM.Complete(ctx, promptBuf.String(), nil)
	if err != nil {
		return nil, err
	}

	renderedOK := true
	if err := goldmark.Convert([]byte(result.Text), &bytes.Buffer{}); err != nil {
		slog.Warn("artifact failed markdown validation, keeping content as-is", "agent", a.Kind, "error", err)
		renderedOK = false
	}

	usage := Usage{InputTokens: result.InputTokens, OutputTokens: result.OutputTokens, Cost: result.Cost}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = EstimateUsage(promptBuf.String(), result.Text)
	}

	return &Output{
		ArtifactType:     a.ArtifactType,
		Content:          result.Text,
		Metadata:         map[string]any{"rendered_ok": renderedOK},
		StructuredOutput: map[string]any{"stage": a.Kind},
		Usage:            usage,
	}, nil
}

// StageSpec is the static definition of one pipeline stage's agent, used
// by BuildDefaultRegistry and by internal/orchestrator's stage graph.
type StageSpec struct {
	AgentKind      string
	ArtifactType   string
	RequiredFields []string
	PromptTemplate string
	RetrySafe      bool
}

// DefaultStageSpecs enumerates every agent_kind in spec.md's pipeline
// (§2's data flow, §4.3's stage graph).
var DefaultStageSpecs = []StageSpec{
	{AgentKind: "prd", ArtifactType: "prd", RequiredFields: []string{"requirements"},
		PromptTemplate: "Write a PRD for: {{.requirements}}{{if .input.revision_notes}}\n\nRevision notes: {{.input.revision_notes}}{{end}}"},
	{AgentKind: "plan", ArtifactType: "plan", RequiredFields: []string{"prd_artifact_id"},
		PromptTemplate: "Write an implementation plan given PRD artifact {{.input.prd_artifact_id}}."},
	{AgentKind: "architect", ArtifactType: "architecture", RequiredFields: []string{"prd", "plan"},
		PromptTemplate: "Design the architecture given:\nPRD: {{.input.prd}}\nPlan: {{.input.plan}}"},
	{AgentKind: "uiux", ArtifactType: "uiux", RequiredFields: []string{"architecture"},
		PromptTemplate: "Design the UI/UX given architecture: {{.input.architecture}}"},
	{AgentKind: "development", ArtifactType: "development", RequiredFields: []string{"architecture", "uiux"},
		PromptTemplate: "Implement the feature given architecture and UI/UX designs."},
	{AgentKind: "qa", ArtifactType: "qa", RequiredFields: []string{"development"},
		PromptTemplate: "Write QA test plans and results for the development artifact."},
	{AgentKind: "security", ArtifactType: "security", RequiredFields: []string{"development"},
		PromptTemplate: "Perform a security review of the development artifact."},
	{AgentKind: "documentation", ArtifactType: "documentation", RequiredFields: []string{"development"},
		PromptTemplate: "Write end-user documentation for the development artifact.", RetrySafe: true},
	{AgentKind: "support_docs", ArtifactType: "support", RequiredFields: []string{"development"},
		PromptTemplate: "Write internal support runbooks for the development artifact.", RetrySafe: true},
	{AgentKind: "pm_review", ArtifactType: "pm_review", RequiredFields: []string{"documentation", "support"},
		PromptTemplate: "Write a PM sign-off review given documentation and support docs."},
	{AgentKind: "delivery", ArtifactType: "delivery", RequiredFields: []string{"pm_review"},
		PromptTemplate: "Write the delivery summary given the PM review."},
}

// BuildDefaultRegistry constructs a Registry populated with one
// TemplateAgent per DefaultStageSpecs entry — the mock pipeline that runs
// end-to-end without a live LLM provider when paired with MockLLMClient.
func BuildDefaultRegistry() *Registry {
	registry := NewRegistry()
	for _, spec := range DefaultStageSpecs {
		registry.Register(spec.AgentKind, NewTemplateAgent(spec.AgentKind, spec.ArtifactType, spec.PromptTemplate, spec.RequiredFields, spec.RetrySafe))
	}
	return registry
}
