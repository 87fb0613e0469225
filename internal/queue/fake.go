package queue

import (
	"context"
	"sync"
	"time"
)

// FakeBackend is a pure-Go, in-process Backend implementation for fast
// unit tests that don't need a real Redis instance; RedisBackend has no
// tests of its own in this module. This matches the teacher's practice
// of having both a stub and a real executor (pkg/queue/executor_stub.go).
type FakeBackend struct {
	mu       sync.Mutex
	ready    map[Class][]Ref
	inflight map[Class]map[string]inflightEntry
	notifyCh map[Class]chan struct{}
}

type inflightEntry struct {
	ref      Ref
	deadline time.Time
}

// NewFakeBackend constructs an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		ready:    make(map[Class][]Ref),
		inflight: make(map[Class]map[string]inflightEntry),
		notifyCh: make(map[Class]chan struct{}, len(allClasses)),
	}
}

var allClasses = []Class{ClassCPU, ClassGPU}

func refKey(ref Ref) string { return ref.JobID + "/" + ref.TaskID }

func (b *FakeBackend) Enqueue(_ context.Context, class Class, ref Ref) error {
	b.mu.Lock()
	b.ready[class] = append(b.ready[class], ref)
	ch := b.notifyCh[class]
	b.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *FakeBackend) Dequeue(ctx context.Context, class Class, timeout time.Duration) (*Ref, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if len(b.ready[class]) > 0 {
			ref := b.ready[class][0]
			b.ready[class] = b.ready[class][1:]
			if b.inflight[class] == nil {
				b.inflight[class] = make(map[string]inflightEntry)
			}
			b.inflight[class][refKey(ref)] = inflightEntry{ref: ref, deadline: time.Now().Add(time.Minute)}
			b.mu.Unlock()
			return &ref, nil
		}
		if b.notifyCh[class] == nil {
			b.notifyCh[class] = make(chan struct{}, 1)
		}
		ch := b.notifyCh[class]
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoRefAvailable
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, ErrNoRefAvailable
		}
	}
}

func (b *FakeBackend) Ack(_ context.Context, class Class, ref Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight[class], refKey(ref))
	return nil
}

func (b *FakeBackend) Nack(ctx context.Context, class Class, ref Ref, delay time.Duration) error {
	b.mu.Lock()
	delete(b.inflight[class], refKey(ref))
	b.mu.Unlock()

	if delay <= 0 {
		return b.Enqueue(ctx, class, ref)
	}
	time.AfterFunc(delay, func() { _ = b.Enqueue(context.Background(), class, ref) })
	return nil
}

func (b *FakeBackend) Depth(_ context.Context, class Class) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.ready[class])), nil
}

// SweepExpired mimics RedisBackend's reclaim sweep for tests that exercise
// worker-crash redelivery (spec.md §8 scenario 4) without a real timeout wait.
func (b *FakeBackend) SweepExpired(class Class) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var reclaimed int
	for key, entry := range b.inflight[class] {
		if now.After(entry.deadline) {
			b.ready[class] = append(b.ready[class], entry.ref)
			delete(b.inflight[class], key)
			reclaimed++
		}
	}
	return reclaimed
}

// ExpireAllInflight forces every in-flight entry for class to be reclaimable,
// used by tests to simulate a worker crash without waiting for real time to pass.
func (b *FakeBackend) ExpireAllInflight(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.inflight[class] {
		entry.deadline = time.Now().Add(-time.Second)
		b.inflight[class][key] = entry
	}
}
