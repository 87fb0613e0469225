// Package orchestrator is Agent Bus's Orchestrator / Master (spec.md
// §4.3): the stage state machine, the single authority for stage
// transitions, the HITL approval gate, and restart/cancel semantics.
package orchestrator

// Stage names, exactly spec.md §4.3's graph nodes.
const (
	StageInitialization      = "initialization"
	StagePRDGeneration       = "prd_generation"
	StageWaitingForApproval  = "waiting_for_approval"
	StagePlanGeneration      = "plan_generation"
	StageArchitectureDesign  = "architecture_design"
	StageUIUXDesign          = "uiux_design"
	StageDevelopment         = "development"
	StageQATesting           = "qa_testing"
	StageSecurityReview      = "security_review"
	StageDocumentation       = "documentation"
	StageSupportDocs         = "support_docs"
	StageFanOut              = "documentation_support_docs" // joint marker while both fan-out tasks are in flight
	StagePMReview            = "pm_review"
	StageDelivery            = "delivery"
	StageCompleted           = "completed"
)

// agentKindForStage maps each stage to the agent_kind whose task it enqueues,
// spec.md §4.4 step 3's registry key.
var agentKindForStage = map[string]string{
	StagePRDGeneration:      "prd",
	StagePlanGeneration:     "plan",
	StageArchitectureDesign: "architect",
	StageUIUXDesign:         "uiux",
	StageDevelopment:        "development",
	StageQATesting:          "qa",
	StageSecurityReview:     "security",
	StageDocumentation:      "documentation",
	StageSupportDocs:        "support_docs",
	StagePMReview:           "pm_review",
	StageDelivery:           "delivery",
}

// linearNext maps a stage to the next stage once its task succeeds, for
// every stage whose transition is a plain sequential hop (spec.md §4.3's
// graph, excluding the approval gate and the fan-out/join which need
// special handling below).
var linearNext = map[string]string{
	StagePlanGeneration:     StageArchitectureDesign,
	StageArchitectureDesign: StageUIUXDesign,
	StageUIUXDesign:         StageDevelopment,
	StageDevelopment:        StageQATesting,
	StageQATesting:          StageSecurityReview,
	StagePMReview:           StageDelivery,
}

// artifactTypeForStage maps a stage to the artifact_type its task writes
// (spec.md §3: per (job_id, artifact_type) latest-wins).
var artifactTypeForStage = map[string]string{
	StagePRDGeneration:      "prd",
	StagePlanGeneration:     "plan",
	StageArchitectureDesign: "architecture",
	StageUIUXDesign:         "uiux",
	StageDevelopment:        "development",
	StageQATesting:          "qa",
	StageSecurityReview:     "security",
	StageDocumentation:      "documentation",
	StageSupportDocs:        "support",
	StagePMReview:           "pm_review",
	StageDelivery:           "delivery",
}

// knownArtifactTypes lists every type buildInputData offers to an agent as
// prior-artifact context (spec.md §4.4's AgentContext.prior_artifacts).
var knownArtifactTypes = []string{"prd", "plan", "architecture", "uiux", "development", "qa", "security", "documentation", "support", "pm_review"}
