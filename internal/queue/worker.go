package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agent-bus/agentbus/internal/agent"
	"github.com/agent-bus/agentbus/internal/events"
	"github.com/agent-bus/agentbus/internal/store"
)

// TaskObserver is implemented by the orchestrator. The worker calls
// OnTaskFinished after every finish_task so the orchestrator can evaluate
// the stage transition rule (spec.md §4.3) — this interface, not a
// concrete import of the orchestrator package, is what breaks the
// dependency cycle (orchestrator enqueues onto the queue; the queue
// reports back to it). TaskStarted/TaskStopped register and release the
// task's cancel func against its job_id so Orchestrator.Cancel can reach a
// worker already executing that job (spec.md §4.4/§5's 5s cancellation
// bound).
type TaskObserver interface {
	OnTaskFinished(ctx context.Context, taskID string)
	TaskStarted(jobID, taskID string, cancel context.CancelFunc)
	TaskStopped(jobID, taskID string)
}

// RetryPolicy is the exponential-backoff policy for transient agent errors
// (spec.md §4.4): initial delay, factor 2, jitter, capped delay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Config bundles the per-task execution policy spec.md §4.4 and §6 name.
type Config struct {
	TaskTimeout time.Duration
	Retry       RetryPolicy
}

// Worker pulls tasks of one Class, resolves the agent, executes it with
// retry/timeout/cancellation, and writes results back through the store
// and event bus — spec.md §4.4's eight-step worker loop. Modeled on the
// teacher's pkg/queue/worker.go run()/pollAndProcess() shape.
type Worker struct {
	id       string
	class    Class
	backend  Backend
	store    *store.Store
	registry *agent.Registry
	bus      *events.Bus
	observer TaskObserver
	cfg      Config
	cache    *agent.ArtifactCache
	llm      agent.LLMClient
	memory   agent.MemoryClient
	skills   agent.SkillsClient

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker constructs a Worker. id should be unique per worker instance
// (e.g. "cpu-3") for StartedAt/worker_id bookkeeping. memory/skills may be
// nil, in which case the no-op defaults are used (spec.md §1: both are
// external collaborators out of scope for this core).
func NewWorker(id string, class Class, backend Backend, st *store.Store, registry *agent.Registry, bus *events.Bus, observer TaskObserver, cfg Config, cache *agent.ArtifactCache, llm agent.LLMClient, memory agent.MemoryClient, skills agent.SkillsClient) *Worker {
	if memory == nil {
		memory = agent.NoopMemoryClient{}
	}
	if skills == nil {
		skills = agent.NoopSkillsClient{}
	}
	return &Worker{
		id: id, class: class, backend: backend, store: st, registry: registry,
		bus: bus, observer: observer, cfg: cfg, cache: cache,
		llm: llm, memory: memory, skills: skills,
		stopCh: make(chan struct{}),
	}
}

// Run executes the poll loop until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	log := slog.With("component", "queue.worker", "worker_id", w.id, "class", w.class)
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.pollAndProcess(ctx); err != nil && !errors.Is(err, ErrNoRefAvailable) {
			log.Error("poll iteration failed", "error", err)
		}
	}
}

// Stop signals the worker's loop to exit after its current iteration.
// Safe to call more than once.
func (w *Worker) Stop() { w.stopOnce.Do(func() { close(w.stopCh) }) }

func (w *Worker) pollAndProcess(ctx context.Context) error {
	ref, err := w.backend.Dequeue(ctx, w.class, 30*time.Second)
	if err != nil {
		return err
	}

	task, err := w.store.ClaimTask(ctx, ref.TaskID, w.id)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrNotFound) {
			return w.backend.Ack(ctx, w.class, *ref)
		}
		return err
	}

	w.execute(ctx, task)
	return w.backend.Ack(ctx, w.class, *ref)
}

func (w *Worker) execute(ctx context.Context, task *store.Task) {
	log := slog.With("component", "queue.worker", "worker_id", w.id, "task_id", task.ID, "job_id", task.JobID)

	w.bus.Publish(events.Event{Type: events.TaskStarted, JobID: &task.JobID, Stage: &task.Stage, AgentKind: &task.AgentKind})

	impl, ok := w.registry.Get(task.AgentKind)
	if !ok {
		w.finishFailed(ctx, task, "BadInput", "no agent registered for kind "+task.AgentKind)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()
	w.observer.TaskStarted(task.JobID, task.ID, cancel)
	defer w.observer.TaskStopped(task.JobID, task.ID)

	output, err := w.runWithRetry(taskCtx, impl, task)
	if err != nil {
		kind, message := classifyAgentError(taskCtx, err)
		log.Warn("task failed", "kind", kind, "error", message)
		w.finishFailed(ctx, task, kind, message)
		return
	}

	w.finishSucceeded(ctx, task, output)
}

// runWithRetry executes the agent, retrying transient errors with
// exponential backoff + jitter up to cfg.Retry.MaxAttempts (spec.md §4.4).
func (w *Worker) runWithRetry(ctx context.Context, impl agent.Agent, task *store.Task) (*agent.Output, error) {
	actx := w.buildAgentContext(ctx, task)

	var lastErr error
	delay := w.cfg.Retry.InitialDelay
	attempts := w.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := impl.Run(ctx, task.InputData, actx)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if !agent.IsTransient(err) || attempt == attempts {
			return nil, err
		}

		jittered := applyJitter(delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(w.cfg.Retry.MaxDelay)))
	}
	return nil, lastErr
}

func applyJitter(d time.Duration) time.Duration {
	jitter := 0.2 * float64(d) * (rand.Float64()*2 - 1) // ±20%
	return d + time.Duration(jitter)
}

func (w *Worker) buildAgentContext(ctx context.Context, task *store.Task) *agent.Context {
	actx := &agent.Context{
		Ctx:            ctx,
		JobID:          task.JobID,
		PriorArtifacts: w.cache,
		LLM:            w.llm,
		Memory:         w.memory,
		Skills:         w.skills,
	}
	if job, err := w.store.GetJob(ctx, task.JobID); err == nil {
		actx.Requirements = job.Requirements
	}
	return actx
}

func (w *Worker) finishSucceeded(ctx context.Context, task *store.Task, output *agent.Output) {
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		slog.Error("begin tx for finish_task(succeeded) failed", "task_id", task.ID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if output.ArtifactType != "" {
		if _, err := w.store.UpsertArtifact(ctx, tx, task.JobID, output.ArtifactType, output.Content, output.Metadata); err != nil {
			slog.Error("upsert_artifact failed", "task_id", task.ID, "error", err)
			return
		}
	}

	outputData := map[string]any{"structured_output": output.StructuredOutput}
	if _, err := w.store.FinishTask(ctx, task.ID, store.TaskSucceeded, outputData, nil, nil); err != nil {
		slog.Error("finish_task(succeeded) failed", "task_id", task.ID, "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		slog.Error("commit finish_task(succeeded) failed", "task_id", task.ID, "error", err)
		return
	}

	if output.Usage.InputTokens > 0 || output.Usage.OutputTokens > 0 {
		if err := w.store.AddUsage(ctx, task.JobID, int64(output.Usage.InputTokens), int64(output.Usage.OutputTokens), output.Usage.Cost, output.Usage.Estimated); err != nil {
			slog.Error("add_usage failed", "task_id", task.ID, "error", err)
		}
	}

	w.bus.Publish(events.Event{Type: events.TaskCompleted, JobID: &task.JobID, Stage: &task.Stage, AgentKind: &task.AgentKind})
	w.observer.OnTaskFinished(ctx, task.ID)
}

func (w *Worker) finishFailed(ctx context.Context, task *store.Task, kind, message string) {
	if _, err := w.store.FinishTask(ctx, task.ID, store.TaskFailed, nil, &kind, &message); err != nil {
		slog.Error("finish_task(failed) failed", "task_id", task.ID, "error", err)
		return
	}
	w.bus.Publish(events.Event{
		Type: events.TaskFailed, JobID: &task.JobID, Stage: &task.Stage, AgentKind: &task.AgentKind,
		Data: map[string]any{"kind": kind, "message": message},
	})
	w.observer.OnTaskFinished(ctx, task.ID)
}

// classifyAgentError maps an agent error onto the (kind, message) pair
// finish_task records, per spec.md §4.6's taxonomy.
func classifyAgentError(ctx context.Context, err error) (string, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "Timeout", "task exceeded its hard deadline"
	}
	if errors.Is(err, context.Canceled) {
		return "Cancelled", "cancelled by caller"
	}
	var badInput *agent.BadInputError
	if errors.As(err, &badInput) {
		return "BadInput", badInput.Error()
	}
	if agent.IsTransient(err) {
		return "RateLimited", err.Error()
	}
	return "Unknown", err.Error()
}
