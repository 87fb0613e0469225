//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/agent-bus/agentbus/internal/agent"
	"github.com/agent-bus/agentbus/internal/events"
	"github.com/agent-bus/agentbus/internal/queue"
	"github.com/agent-bus/agentbus/internal/store"
)

// newTestStore spins up a throwaway Postgres via testcontainers-go, mirroring
// internal/store's own integration-test helper — the orchestrator's row
// locking and conditional updates need a real database, not a fake.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("agentbus_test"),
		postgres.WithUsername("agentbus"),
		postgres.WithPassword("agentbus"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.Open(ctx, store.Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// retrySafeStub is a no-op agent.Agent used only so the registry has
// something to report RetrySafe() for; Run is never invoked because these
// tests drive task completion directly through the store, the way a worker
// would after executing the real agent.
type retrySafeStub struct{ retrySafe bool }

func (r retrySafeStub) Run(ctx context.Context, input map[string]any, actx *agent.Context) (*agent.Output, error) {
	return &agent.Output{}, nil
}
func (r retrySafeStub) RetrySafe() bool { return r.retrySafe }

func newTestOrchestrator(t *testing.T, stageRetryMax int) (*Orchestrator, *store.Store, *queue.FakeBackend) {
	t.Helper()
	st := newTestStore(t)
	q := queue.NewFakeBackend()
	bus := events.NewBus(events.Config{})
	reg := agent.NewRegistry()
	for _, kind := range []string{"prd", "plan", "architect", "uiux", "development", "qa", "security", "documentation", "support_docs", "pm_review", "delivery"} {
		reg.Register(kind, retrySafeStub{retrySafe: kind == "qa"})
	}
	return New(st, q, bus, reg, stageRetryMax), st, q
}

// succeedLatestTask claims and finishes the latest task for stage with a
// successful artifact write, then feeds the completion back through
// OnTaskFinished exactly as the worker pool would.
func succeedLatestTask(t *testing.T, ctx context.Context, o *Orchestrator, st *store.Store, jobID, stage string) *store.Task {
	t.Helper()
	task, err := st.LatestTaskForStage(ctx, nil, jobID, stage)
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, task.Status)

	_, err = st.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	artifactType := artifactTypeForStage[stage]
	_, err = st.UpsertArtifact(ctx, nil, jobID, artifactType, "content for "+stage, nil)
	require.NoError(t, err)

	finished, err := st.FinishTask(ctx, task.ID, store.TaskSucceeded, nil, nil, nil)
	require.NoError(t, err)

	o.OnTaskFinished(ctx, task.ID)
	return finished
}

func failLatestTask(t *testing.T, ctx context.Context, o *Orchestrator, st *store.Store, jobID, stage, kind string) *store.Task {
	t.Helper()
	task, err := st.LatestTaskForStage(ctx, nil, jobID, stage)
	require.NoError(t, err)

	_, err = st.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	msg := "boom"
	finished, err := st.FinishTask(ctx, task.ID, store.TaskFailed, nil, &kind, &msg)
	require.NoError(t, err)

	o.OnTaskFinished(ctx, task.ID)
	return finished
}

func TestSubmitJob_EnqueuesPRDTask(t *testing.T) {
	o, st, q := newTestOrchestrator(t, 0)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "Build a notes app with tags and search.", nil)
	require.NoError(t, err)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StagePRDGeneration, job.Stage)
	require.Equal(t, store.JobRunning, job.Status)

	depth, err := q.Depth(ctx, queue.ClassCPU)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	task, err := st.LatestTaskForStage(ctx, nil, job.ID, StagePRDGeneration)
	require.NoError(t, err)
	require.Equal(t, "prd", task.AgentKind)
}

func TestHappyPath_NoHITLRejection(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, 0)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "Build a notes app with tags and search.", nil)
	require.NoError(t, err)

	succeedLatestTask(t, ctx, o, st, job.ID, StagePRDGeneration)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobWaitingForApproval, job.Status)
	require.Equal(t, StageWaitingForApproval, job.Stage)

	artifact, err := st.GetLatestArtifact(ctx, job.ID, "prd")
	require.NoError(t, err)
	require.NotEmpty(t, artifact.Content)

	require.NoError(t, o.Approve(ctx, job.ID, ""))
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StagePlanGeneration, job.Stage)

	for _, stage := range []string{StagePlanGeneration, StageArchitectureDesign, StageUIUXDesign, StageDevelopment, StageQATesting} {
		succeedLatestTask(t, ctx, o, st, job.ID, stage)
	}
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StageSecurityReview, job.Stage)

	succeedLatestTask(t, ctx, o, st, job.ID, StageSecurityReview)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StageFanOut, job.Stage)

	succeedLatestTask(t, ctx, o, st, job.ID, StageDocumentation)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StageFanOut, job.Stage, "pm_review must wait for both fan-out branches")

	succeedLatestTask(t, ctx, o, st, job.ID, StageSupportDocs)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StagePMReview, job.Stage)

	succeedLatestTask(t, ctx, o, st, job.ID, StagePMReview)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StageDelivery, job.Stage)

	succeedLatestTask(t, ctx, o, st, job.ID, StageDelivery)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, job.Status)
	require.Equal(t, StageCompleted, job.Stage)
}

func TestRequestChanges_ReenqueuesPRDWithRevisionNotes(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, 0)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "Build a notes app.", nil)
	require.NoError(t, err)
	succeedLatestTask(t, ctx, o, st, job.ID, StagePRDGeneration)

	require.NoError(t, o.RequestChanges(ctx, job.ID, "Add offline sync."))

	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StagePRDGeneration, job.Stage)
	require.Equal(t, store.JobRunning, job.Status)

	task, err := st.LatestTaskForStage(ctx, nil, job.ID, StagePRDGeneration)
	require.NoError(t, err)
	require.Equal(t, "Add offline sync.", task.InputData["revision_notes"])

	// The prior PRD artifact remains in history; latest-wins still returns it
	// until the revised PRD completes.
	artifact, err := st.GetLatestArtifact(ctx, job.ID, "prd")
	require.NoError(t, err)
	require.Equal(t, "content for "+StagePRDGeneration, artifact.Content)

	succeedLatestTask(t, ctx, o, st, job.ID, StagePRDGeneration)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobWaitingForApproval, job.Status)
}

func TestFanOutPartialFailure_FailsJobAndCancelsOtherBranch(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, 0)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "req", nil)
	require.NoError(t, err)
	succeedLatestTask(t, ctx, o, st, job.ID, StagePRDGeneration)
	require.NoError(t, o.Approve(ctx, job.ID, ""))
	for _, stage := range []string{StagePlanGeneration, StageArchitectureDesign, StageUIUXDesign, StageDevelopment, StageQATesting} {
		succeedLatestTask(t, ctx, o, st, job.ID, stage)
	}
	succeedLatestTask(t, ctx, o, st, job.ID, StageSecurityReview)

	failLatestTask(t, ctx, o, st, job.ID, StageDocumentation, "BadInput")
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, job.Status)
	require.Contains(t, *job.FailureReason, StageDocumentation)

	// The other branch, still in flight, later reports success: recorded,
	// but the job is already terminal so no transition fires.
	succeedLatestTask(t, ctx, o, st, job.ID, StageSupportDocs)
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, job.Status, "a completion arriving after the job failed must not reopen it")
}

func TestCancelDuringInFlightStage_NoOnwardTransition(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, 0)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "req", nil)
	require.NoError(t, err)
	succeedLatestTask(t, ctx, o, st, job.ID, StagePRDGeneration)
	require.NoError(t, o.Approve(ctx, job.ID, ""))
	succeedLatestTask(t, ctx, o, st, job.ID, StagePlanGeneration)

	task, err := st.LatestTaskForStage(ctx, nil, job.ID, StageArchitectureDesign)
	require.NoError(t, err)
	_, err = st.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	require.NoError(t, o.Cancel(ctx, job.ID, "user"))
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCancelled, job.Status)

	_, err = st.FinishTask(ctx, task.ID, store.TaskSucceeded, nil, nil, nil)
	require.NoError(t, err)
	o.OnTaskFinished(ctx, task.ID)

	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCancelled, job.Status, "cancellation must be sticky; a late success must not resurrect the job")
}

// blockingAgent never returns on its own; it signals started then blocks
// on ctx.Done() so a test can assert that cancellation — not the stage's
// own completion — is what unblocks it.
type blockingAgent struct{ started chan struct{} }

func (b *blockingAgent) Run(ctx context.Context, input map[string]any, actx *agent.Context) (*agent.Output, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}
func (b *blockingAgent) RetrySafe() bool { return false }

// TestCancel_ReachesLiveWorkerWithinFiveSeconds drives a real queue.Worker
// goroutine against a task it has already claimed, rather than simulating
// completion through the store directly: it is the only way to exercise
// whether Orchestrator.Cancel actually reaches a worker mid-execution
// (spec.md §4.4/§5, §8 scenario 5).
func TestCancel_ReachesLiveWorkerWithinFiveSeconds(t *testing.T) {
	st := newTestStore(t)
	q := queue.NewFakeBackend()
	bus := events.NewBus(events.Config{})
	reg := agent.NewRegistry()
	blocker := &blockingAgent{started: make(chan struct{})}
	reg.Register("prd", blocker)
	o := New(st, q, bus, reg, 0)

	ctx := context.Background()
	job, err := o.SubmitJob(ctx, "p1", "req", nil)
	require.NoError(t, err)

	w := queue.NewWorker("w-1", queue.ClassCPU, q, st, reg, bus, o,
		queue.Config{TaskTimeout: time.Minute, Retry: queue.RetryPolicy{MaxAttempts: 1}},
		nil, nil, nil, nil)
	go w.Run(ctx)
	defer w.Stop()

	select {
	case <-blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never claimed and started the task")
	}

	require.NoError(t, o.Cancel(ctx, job.ID, "user"))

	require.Eventually(t, func() bool {
		task, err := st.LatestTaskForStage(ctx, nil, job.ID, StagePRDGeneration)
		if err != nil {
			return false
		}
		return task.Status == store.TaskFailed && task.ErrorKind != nil && *task.ErrorKind == "Cancelled"
	}, 5*time.Second, 50*time.Millisecond, "worker must observe cancellation and finish_task(failed, kind=Cancelled) within 5s")
}

func TestRestart_OnlyFromTerminalStatuses(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, 0)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "req", nil)
	require.NoError(t, err)

	require.ErrorIs(t, o.Restart(ctx, job.ID), store.ErrConflict, "restart is not admissible while running")

	require.NoError(t, o.Cancel(ctx, job.ID, "user"))
	require.NoError(t, o.Restart(ctx, job.ID))

	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StagePRDGeneration, job.Stage)
	require.Equal(t, store.JobRunning, job.Status)
}

func TestStageRetry_OptInAgentGetsAnotherAttempt(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, 1)
	ctx := context.Background()

	job, err := o.SubmitJob(ctx, "p1", "req", nil)
	require.NoError(t, err)
	succeedLatestTask(t, ctx, o, st, job.ID, StagePRDGeneration)
	require.NoError(t, o.Approve(ctx, job.ID, ""))
	for _, stage := range []string{StagePlanGeneration, StageArchitectureDesign, StageUIUXDesign, StageDevelopment} {
		succeedLatestTask(t, ctx, o, st, job.ID, stage)
	}

	// qa is registered retry-safe in newTestOrchestrator.
	failLatestTask(t, ctx, o, st, job.ID, StageQATesting, "Unknown")

	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotEqual(t, store.JobFailed, job.Status, "a retry-safe stage gets one more attempt before the job fails")

	task, err := st.LatestTaskForStage(ctx, nil, job.ID, StageQATesting)
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, task.Status)

	// Budget is exhausted after the retry: a second failure fails the job.
	failLatestTask(t, ctx, o, st, job.ID, StageQATesting, "Unknown")
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, job.Status)
}
