package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/agent-bus/agentbus/internal/agent"
	"github.com/agent-bus/agentbus/internal/events"
	"github.com/agent-bus/agentbus/internal/queue"
	"github.com/agent-bus/agentbus/internal/store"
)

// Orchestrator is Agent Bus's Orchestrator / Master (spec.md §4.3): the
// single authority for job stage transitions. It implements
// queue.TaskObserver so the worker pool can report task completion back to
// it without the two packages importing each other directly.
type Orchestrator struct {
	store         *store.Store
	queue         queue.Backend
	bus           *events.Bus
	registry      *agent.Registry
	stageRetryMax int
	log           *slog.Logger

	cancelMu      sync.Mutex
	runningCancel map[string]map[string]context.CancelFunc // job_id -> task_id -> cancel
}

// New constructs an Orchestrator. stageRetryMax is
// orchestrator.stage_retry.max_attempts (spec.md §6), 0 by default meaning
// no stage is retried unless its agent opts in via RetrySafe and the value
// is raised.
func New(st *store.Store, q queue.Backend, bus *events.Bus, registry *agent.Registry, stageRetryMax int) *Orchestrator {
	return &Orchestrator{
		store: st, queue: q, bus: bus, registry: registry,
		stageRetryMax: stageRetryMax,
		log:           slog.With("component", "orchestrator"),
		runningCancel: make(map[string]map[string]context.CancelFunc),
	}
}

// TaskStarted implements queue.TaskObserver: it registers the cancel func
// of a task's per-attempt context against its job so a concurrent Cancel
// can reach it. A job may have more than one task in flight at once during
// the documentation ∥ support_docs fan-out (spec.md §4.6 scenario 6).
func (o *Orchestrator) TaskStarted(jobID, taskID string, cancel context.CancelFunc) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.runningCancel[jobID] == nil {
		o.runningCancel[jobID] = make(map[string]context.CancelFunc)
	}
	o.runningCancel[jobID][taskID] = cancel
}

// TaskStopped implements queue.TaskObserver: it releases the registration
// TaskStarted made, once the worker's execute call returns.
func (o *Orchestrator) TaskStopped(jobID, taskID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	tasks := o.runningCancel[jobID]
	delete(tasks, taskID)
	if len(tasks) == 0 {
		delete(o.runningCancel, jobID)
	}
}

// cancelRunningTasks invokes every registered cancel func for jobID,
// reaching any worker currently executing one of its tasks.
func (o *Orchestrator) cancelRunningTasks(jobID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	for _, cancel := range o.runningCancel[jobID] {
		cancel()
	}
}

// SubmitJob creates a job and kicks off the pipeline at prd_generation,
// spec.md §2's "client submits requirements" data-flow entry point.
func (o *Orchestrator) SubmitJob(ctx context.Context, projectID, requirements string, metadata map[string]any) (*store.Job, error) {
	job, err := o.store.CreateJob(ctx, projectID, requirements, metadata)
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{Type: events.JobCreated, JobID: &job.ID})

	task, err := o.advanceInTx(ctx, job, StagePRDGeneration, "")
	if err != nil {
		return job, err
	}

	o.bus.Publish(events.Event{Type: events.JobStarted, JobID: &job.ID})
	o.publishStageStarted(job.ID, StagePRDGeneration)
	return job, o.dispatch(ctx, job.ID, StagePRDGeneration, task)
}

// Approve is spec.md §4.3's HITL "approve" input: admissible only while
// status=waiting_for_approval; transitions to plan_generation.
func (o *Orchestrator) Approve(ctx context.Context, jobID, notes string) error {
	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := o.store.LockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobWaitingForApproval {
		return store.ErrConflict
	}
	if _, err := o.store.RecordApproval(ctx, tx, jobID, StageWaitingForApproval, store.DecisionApprove, notes); err != nil {
		return err
	}
	task, err := o.enqueueStageTx(ctx, tx, job, StagePlanGeneration, "")
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit approve: %w", err)
	}

	gate := StageWaitingForApproval
	o.bus.Publish(events.Event{Type: events.Approved, JobID: &job.ID, Stage: &gate})
	o.publishStageStarted(job.ID, StagePlanGeneration)
	return o.dispatch(ctx, job.ID, StagePlanGeneration, task)
}

// RequestChanges is spec.md §4.3's HITL "request_changes(notes)" input: the
// prior PRD artifact remains in history, a fresh prd_generation task is
// enqueued with input_data.revision_notes, and the job returns to
// waiting_for_approval once it completes.
func (o *Orchestrator) RequestChanges(ctx context.Context, jobID, notes string) error {
	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := o.store.LockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobWaitingForApproval {
		return store.ErrConflict
	}
	if _, err := o.store.RecordApproval(ctx, tx, jobID, StageWaitingForApproval, store.DecisionRequestChanges, notes); err != nil {
		return err
	}
	task, err := o.enqueueStageTx(ctx, tx, job, StagePRDGeneration, notes)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit request_changes: %w", err)
	}

	gate := StageWaitingForApproval
	o.bus.Publish(events.Event{Type: events.Rejected, JobID: &job.ID, Stage: &gate, Data: map[string]any{"notes": notes}})
	o.publishStageStarted(job.ID, StagePRDGeneration)
	return o.dispatch(ctx, job.ID, StagePRDGeneration, task)
}

// Restart is spec.md §4.3's restart(job_id): admissible only from
// {failed, cancelled}; re-enters the pipeline at prd_generation.
func (o *Orchestrator) Restart(ctx context.Context, jobID string) error {
	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := o.store.LockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobFailed && job.Status != store.JobCancelled {
		return store.ErrConflict
	}
	// UpdateJobStage refuses terminal jobs, so the reset out of
	// failed/cancelled is written directly under this transaction's row lock.
	if _, err := tx.Exec(ctx, `UPDATE jobs SET stage = $2, status = $3, failure_reason = NULL, updated_at = now() WHERE id = $1`,
		jobID, StageInitialization, store.JobQueued); err != nil {
		return fmt.Errorf("reset job for restart: %w", err)
	}
	task, err := o.enqueueStageTx(ctx, tx, job, StagePRDGeneration, "")
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit restart: %w", err)
	}

	o.publishStageStarted(job.ID, StagePRDGeneration)
	return o.dispatch(ctx, job.ID, StagePRDGeneration, task)
}

// Cancel is spec.md §4.3's cancel(job_id, reason): transitions to cancelled
// immediately and cancels the context of any task a worker is currently
// executing for this job, so the worker observes cancellation and writes
// finish_task(failed, kind=Cancelled) within the 5s bound (spec.md §4.4/§5,
// §8 scenario 5) instead of running to its own completion or timeout.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) error {
	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := o.store.LockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return store.ErrConflict
	}
	if _, err := o.store.UpdateJobStage(ctx, tx, jobID, job.Stage, store.JobCancelled, &reason); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}

	o.bus.Publish(events.Event{Type: events.JobCancelled, JobID: &job.ID, Data: map[string]any{"reason": reason}})
	o.cancelRunningTasks(jobID)
	return nil
}

// OnTaskFinished implements queue.TaskObserver. It is called by a worker
// after every finish_task and applies spec.md §4.3's transition rule: (a)
// the latest task for the finishing stage succeeded, (b) approval recorded
// if gated, (c) every parallel predecessor of the next stage succeeded.
func (o *Orchestrator) OnTaskFinished(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.log.Error("get_task failed", "task_id", taskID, "error", err)
		return
	}

	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		o.log.Error("begin tx failed", "task_id", taskID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := o.store.LockJob(ctx, tx, task.JobID)
	if err != nil {
		o.log.Error("lock_job failed", "job_id", task.JobID, "error", err)
		return
	}

	// Cancellation arriving before this completion: record the outcome but
	// trigger no transition (spec.md §4.3 edge case / §5's cancel-vs-claim rule).
	if job.Terminal() {
		if task.Status == store.TaskSucceeded {
			o.bus.Publish(events.Event{Type: events.TaskCompletedAfterCancel, JobID: &job.ID, Stage: &task.Stage})
		}
		return
	}

	// A stale completion for a stage the job has already moved past (e.g. a
	// slow retry landing after request_changes re-enqueued prd_generation)
	// carries no transition.
	if !stageMatchesCurrent(job, task) {
		return
	}

	pending, err := o.transition(ctx, tx, job, task)
	if err != nil {
		o.log.Error("transition failed", "job_id", job.ID, "stage", task.Stage, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		o.log.Error("commit transition failed", "job_id", job.ID, "error", err)
		return
	}

	for _, e := range pending.toPublish {
		o.bus.Publish(e)
	}
	for _, d := range pending.toDispatch {
		if err := o.dispatch(ctx, job.ID, d.stage, d.task); err != nil {
			o.log.Error("dispatch failed", "job_id", job.ID, "stage", d.stage, "error", err)
		}
	}
	if pending.cancelJob != "" {
		o.cancelRunningTasks(pending.cancelJob)
	}
}

// pendingEffects are the event/dispatch side effects of a transition,
// applied only after the transaction that computed them commits
// successfully — store commit precedes event emission (spec.md §5).
type pendingEffects struct {
	toPublish  []events.Event
	toDispatch []dispatchItem
	cancelJob  string // non-empty: cancel any other task still running under this job_id
}

type dispatchItem struct {
	stage string
	task  *store.Task
}

// transition implements spec.md §4.3's per-stage rules. Must run inside
// the caller's job-locking transaction.
func (o *Orchestrator) transition(ctx context.Context, tx pgx.Tx, job *store.Job, task *store.Task) (pendingEffects, error) {
	if task.Status == store.TaskFailed {
		return o.handleFailure(ctx, tx, job, task)
	}

	switch task.Stage {
	case StagePRDGeneration:
		if _, err := o.store.UpdateJobStage(ctx, tx, job.ID, StageWaitingForApproval, store.JobWaitingForApproval, nil); err != nil {
			return pendingEffects{}, err
		}
		gate := StageWaitingForApproval
		return pendingEffects{toPublish: []events.Event{
			stageCompleted(job.ID, StagePRDGeneration),
			{Type: events.HITLRequested, JobID: &job.ID, Stage: &gate},
		}}, nil

	case StageSecurityReview:
		return o.fanOut(ctx, tx, job)

	case StageDocumentation, StageSupportDocs:
		return o.join(ctx, tx, job, task)

	case StageDelivery:
		if _, err := o.store.UpdateJobStage(ctx, tx, job.ID, StageCompleted, store.JobCompleted, nil); err != nil {
			return pendingEffects{}, err
		}
		return pendingEffects{toPublish: []events.Event{
			stageCompleted(job.ID, StageDelivery),
			{Type: events.JobCompleted, JobID: &job.ID},
		}}, nil

	default:
		next, ok := linearNext[task.Stage]
		if !ok {
			return pendingEffects{}, fmt.Errorf("no transition defined for stage %q", task.Stage)
		}
		newTask, err := o.enqueueStageTx(ctx, tx, job, next, "")
		if err != nil {
			return pendingEffects{}, err
		}
		return pendingEffects{
			toPublish:  []events.Event{stageCompleted(job.ID, task.Stage), stageStarted(job.ID, next)},
			toDispatch: []dispatchItem{{stage: next, task: newTask}},
		}, nil
	}
}

// fanOut enqueues the parallel documentation and support_docs tasks in one
// transaction (spec.md §4.3 "Parallelism").
func (o *Orchestrator) fanOut(ctx context.Context, tx pgx.Tx, job *store.Job) (pendingEffects, error) {
	docTask, err := o.enqueueStageTx(ctx, tx, job, StageDocumentation, "")
	if err != nil {
		return pendingEffects{}, err
	}
	supportTask, err := o.enqueueStageTx(ctx, tx, job, StageSupportDocs, "")
	if err != nil {
		return pendingEffects{}, err
	}
	// The joint marker is written last: each enqueueStageTx above sets the
	// job's stage to the stage it enqueued.
	if _, err := o.store.UpdateJobStage(ctx, tx, job.ID, StageFanOut, store.JobRunning, nil); err != nil {
		return pendingEffects{}, err
	}
	return pendingEffects{
		toPublish: []events.Event{
			stageCompleted(job.ID, StageSecurityReview),
			stageStarted(job.ID, StageDocumentation),
			stageStarted(job.ID, StageSupportDocs),
		},
		toDispatch: []dispatchItem{{stage: StageDocumentation, task: docTask}, {stage: StageSupportDocs, task: supportTask}},
	}, nil
}

// join implements the documentation ∥ support_docs rendezvous: pm_review
// fires only once both latest tasks are succeeded (spec.md §4.3(c)).
func (o *Orchestrator) join(ctx context.Context, tx pgx.Tx, job *store.Job, task *store.Task) (pendingEffects, error) {
	sibling := StageSupportDocs
	if task.Stage == StageSupportDocs {
		sibling = StageDocumentation
	}
	siblingTask, err := o.store.LatestTaskForStage(ctx, tx, job.ID, sibling)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return pendingEffects{}, err
	}

	if siblingTask == nil || !siblingTask.Terminal() {
		// Other branch still in flight; wait for it to report in.
		return pendingEffects{toPublish: []events.Event{stageCompleted(job.ID, task.Stage)}}, nil
	}
	if siblingTask.Status != store.TaskSucceeded {
		// The sibling already failed (and already failed the job); this
		// branch's success is recorded but triggers no further transition.
		return pendingEffects{toPublish: []events.Event{stageCompleted(job.ID, task.Stage)}}, nil
	}

	newTask, err := o.enqueueStageTx(ctx, tx, job, StagePMReview, "")
	if err != nil {
		return pendingEffects{}, err
	}
	return pendingEffects{
		toPublish:  []events.Event{stageCompleted(job.ID, task.Stage), stageStarted(job.ID, StagePMReview)},
		toDispatch: []dispatchItem{{stage: StagePMReview, task: newTask}},
	}, nil
}

// handleFailure applies spec.md §4.6's orchestrator policy: fail the job
// unless the agent declared itself retry-safe and the stage-retry budget
// allows another attempt. Approval-gated and fan-out stages never retry —
// the former per spec.md §4.3's explicit edge case, the latter per §4.6's
// partial-failure rule (no partial delivery; the job simply fails).
func (o *Orchestrator) handleFailure(ctx context.Context, tx pgx.Tx, job *store.Job, task *store.Task) (pendingEffects, error) {
	if task.Stage == StageDocumentation || task.Stage == StageSupportDocs {
		return o.failJob(ctx, tx, job, task)
	}

	if o.stageRetryEligible(ctx, job, task) {
		newTask, err := o.enqueueStageTx(ctx, tx, job, task.Stage, "")
		if err != nil {
			return pendingEffects{}, err
		}
		return pendingEffects{
			toPublish:  []events.Event{stageStarted(job.ID, task.Stage)},
			toDispatch: []dispatchItem{{stage: task.Stage, task: newTask}},
		}, nil
	}
	return o.failJob(ctx, tx, job, task)
}

// failJob transitions job to failed. Any sibling task still running under
// this job — most notably the other documentation/support_docs fan-out
// branch (spec.md §4.6 scenario 6: "the other branch, if in-flight, is
// cancelled") — is cancelled once the transition commits, rather than left
// to run to its own completion.
func (o *Orchestrator) failJob(ctx context.Context, tx pgx.Tx, job *store.Job, task *store.Task) (pendingEffects, error) {
	kind := "Unknown"
	if task.ErrorKind != nil {
		kind = *task.ErrorKind
	}
	message := ""
	if task.ErrorMsg != nil {
		message = *task.ErrorMsg
	}
	reason := fmt.Sprintf("%s: %s (stage %s)", kind, message, task.Stage)
	if _, err := o.store.UpdateJobStage(ctx, tx, job.ID, task.Stage, store.JobFailed, &reason); err != nil {
		return pendingEffects{}, err
	}
	return pendingEffects{
		toPublish: []events.Event{
			{Type: events.JobFailed, JobID: &job.ID, Stage: &task.Stage, Data: map[string]any{"kind": kind, "message": message}},
		},
		cancelJob: job.ID,
	}, nil
}

// stageRetryEligible reports whether task's stage may be re-enqueued rather
// than failing the job, per DESIGN.md's Open Question decision: the agent
// must opt in via RetrySafe(), and a stage retries at most
// orchestrator.stage_retry.max_attempts times (counted as rows already
// created for this stage, since stage-retry creates a new task row rather
// than mutating the failed one).
func (o *Orchestrator) stageRetryEligible(ctx context.Context, job *store.Job, task *store.Task) bool {
	if o.stageRetryMax <= 0 {
		return false
	}
	impl, ok := o.registry.Get(task.AgentKind)
	if !ok || !impl.RetrySafe() {
		return false
	}
	tasks, err := o.store.ListTasks(ctx, job.ID)
	if err != nil {
		o.log.Warn("list_tasks for stage-retry check failed", "job_id", job.ID, "error", err)
		return false
	}
	attempts := 0
	for _, t := range tasks {
		if t.Stage == task.Stage {
			attempts++
		}
	}
	// attempts counts task rows already created for this stage, including the
	// one that just failed; max_attempts is the number of retries allowed, so
	// a retry fires while attempts <= max_attempts (one extra row per retry).
	return attempts <= o.stageRetryMax
}

// stageMatchesCurrent reports whether task belongs to the stage(s) the job
// is currently waiting on — either the job's own stage, or, during the
// documentation/support_docs fan-out, either branch.
func stageMatchesCurrent(job *store.Job, task *store.Task) bool {
	if job.Stage == task.Stage {
		return true
	}
	return job.Stage == StageFanOut && (task.Stage == StageDocumentation || task.Stage == StageSupportDocs)
}

// advanceInTx runs enqueueStageTx inside its own fresh transaction — used
// by SubmitJob, which has no pre-existing transaction to join.
func (o *Orchestrator) advanceInTx(ctx context.Context, job *store.Job, stage, revisionNotes string) (*store.Task, error) {
	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := o.enqueueStageTx(ctx, tx, job, stage, revisionNotes)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit stage transition: %w", err)
	}
	return task, nil
}

// enqueueStageTx performs update_job_stage + create_task in the same
// transaction, per spec.md §4.1's requirement for stage-transition-driven
// task creation.
func (o *Orchestrator) enqueueStageTx(ctx context.Context, tx pgx.Tx, job *store.Job, stage, revisionNotes string) (*store.Task, error) {
	if _, err := o.store.UpdateJobStage(ctx, tx, job.ID, stage, store.JobRunning, nil); err != nil {
		return nil, err
	}
	input := o.buildInputData(ctx, job, stage, revisionNotes)
	return o.store.CreateTask(ctx, tx, job.ID, stage, agentKindForStage[stage], input)
}

// buildInputData assembles a stage's input_data map from the job's
// requirements plus every known prior artifact's content, satisfying each
// TemplateAgent's RequiredFields regardless of which stage is being built
// (spec.md §4.4: "Unknown fields are ignored").
func (o *Orchestrator) buildInputData(ctx context.Context, job *store.Job, stage, revisionNotes string) map[string]any {
	input := map[string]any{"requirements": job.Requirements, "ml_required": false}
	for _, t := range knownArtifactTypes {
		a, err := o.store.GetLatestArtifact(ctx, job.ID, t)
		if err != nil {
			continue
		}
		input[t] = a.Content
		if t == "prd" {
			input["prd_artifact_id"] = a.ID
		}
	}
	if revisionNotes != "" {
		input["revision_notes"] = revisionNotes
	}
	return input
}

// dispatch routes task onto the Task Queue, applying spec.md §4.7's
// ml_required-driven cpu/gpu class selection.
func (o *Orchestrator) dispatch(ctx context.Context, jobID, stage string, task *store.Task) error {
	class := queue.Route(queue.MLRequired(task.InputData))
	return o.queue.Enqueue(ctx, class, queue.Ref{JobID: jobID, TaskID: task.ID, AgentKind: task.AgentKind, Stage: stage})
}

func (o *Orchestrator) publishStageStarted(jobID, stage string) {
	o.bus.Publish(stageStarted(jobID, stage))
}

func stageStarted(jobID, stage string) events.Event {
	return events.Event{Type: events.StageStarted, JobID: &jobID, Stage: &stage}
}

func stageCompleted(jobID, stage string) events.Event {
	return events.Event{Type: events.StageCompleted, JobID: &jobID, Stage: &stage}
}
