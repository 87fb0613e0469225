// Package queue is Agent Bus's Task Queue (spec.md §4.2): named FIFO
// queues keyed by worker class (cpu/gpu), with blocking dequeue and visibility
// timeouts, plus the Worker Pool (spec.md §4.4) that consumes them.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors, matching the teacher's pkg/queue/types.go convention of
// exporting a small set of sentinels for pool/worker control flow.
var (
	// ErrNoRefAvailable is returned by Dequeue when timeout elapses with no ref.
	ErrNoRefAvailable = errors.New("queue: no task ref available")
)

// Class names the two worker classes spec.md §4.2 defines.
type Class string

const (
	ClassCPU Class = "cpu"
	ClassGPU Class = "gpu"
)

// Ref is a queue reference: the (job_id, task_id, agent_kind) tuple a
// worker needs to claim and execute a task, plus enough metadata for
// requeueing. It intentionally does not carry input_data — the worker
// re-reads the authoritative task row from the store after claiming it.
type Ref struct {
	JobID     string
	TaskID    string
	AgentKind string
	Stage     string
}

// Backend is the Task Queue contract, spec.md §4.2's enqueue / dequeue /
// ack / nack operations. Two implementations exist: a Redis-backed one for
// production (internal/queue/redis.go) and an in-process fake for tests
// (internal/queue/fake.go).
type Backend interface {
	Enqueue(ctx context.Context, class Class, ref Ref) error
	Dequeue(ctx context.Context, class Class, timeout time.Duration) (*Ref, error)
	Ack(ctx context.Context, class Class, ref Ref) error
	Nack(ctx context.Context, class Class, ref Ref, delay time.Duration) error
	// Depth reports the number of ready (non-in-flight) refs for a class, for metrics.
	Depth(ctx context.Context, class Class) (int64, error)
}
