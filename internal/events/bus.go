package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Config sizes the bus's ring buffers and per-subscriber channels (spec.md
// §6: events.ring_buffer.*).
type Config struct {
	PerJobBuffer     int
	GlobalBuffer     int
	SubscriberBuffer int
}

// Persister, if set, is called after every publish to append the event to
// the store's audit log (DESIGN.md's Open Question decision). It must not
// block the bus for long; Bus calls it synchronously on the publish path
// because the store write must happen-before the event is visible to
// subscribers, matching spec.md §5's ordering guarantee (artifact/state
// commit precedes event emission).
type Persister func(e Event)

// Bus is Agent Bus's Event Bus (spec.md §4.5).
type Bus struct {
	cfg       Config
	nextID    int64
	mu        sync.Mutex
	global    *ring
	perJob    map[string]*ring
	subs      map[*Subscription]struct{}
	persister Persister
}

// NewBus constructs a Bus with the given ring/buffer sizes.
func NewBus(cfg Config) *Bus {
	if cfg.PerJobBuffer <= 0 {
		cfg.PerJobBuffer = 1000
	}
	if cfg.GlobalBuffer <= 0 {
		cfg.GlobalBuffer = 10000
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &Bus{
		cfg:    cfg,
		global: newRing(cfg.GlobalBuffer),
		perJob: make(map[string]*ring),
		subs:   make(map[*Subscription]struct{}),
	}
}

// SetPersister installs the audit-log callback. Must be called before
// Publish is used concurrently from other goroutines.
func (b *Bus) SetPersister(p Persister) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persister = p
}

// Publish is spec.md §4.5's publish: non-blocking; assigns a monotonic
// event_id and timestamp, records it in the ring buffer(s), and fans it
// out to every matching subscriber.
func (b *Bus) Publish(e Event) {
	e.ID = atomic.AddInt64(&b.nextID, 1)
	e.Timestamp = time.Now()

	b.mu.Lock()
	b.global.append(e)
	if e.JobID != nil {
		jr, ok := b.perJob[*e.JobID]
		if !ok {
			jr = newRing(b.cfg.PerJobBuffer)
			b.perJob[*e.JobID] = jr
		}
		jr.append(e)
	}
	persister := b.persister
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.matches(e) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	if persister != nil {
		persister(e)
	}

	for _, sub := range subs {
		sub.push(e)
	}
}

// Subscription is a live stream of matching events plus access to replay.
type Subscription struct {
	bus         *Bus
	jobIDFilter string // empty means "all jobs"

	mu      sync.Mutex
	buf     []Event
	dropped int
	cap     int
	notify  chan struct{}
	closed  bool
}

func (s *Subscription) matches(e Event) bool {
	if s.jobIDFilter == "" {
		return true
	}
	return e.JobID != nil && *e.JobID == s.jobIDFilter
}

// push appends e to the subscriber's buffer, dropping the oldest buffered
// event and recording a drop if the buffer is full (spec.md §4.5's
// documented lossy-buffer policy). Never blocks the publisher.
func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.cap {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Drain returns every buffered event since the last Drain call, preceded
// by a synthetic dropped_event marker if any events were dropped.
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	if dropped == 0 {
		return pending
	}
	marker := Event{Type: DroppedEvent, Data: map[string]any{"dropped_count": dropped}}
	return append([]Event{marker}, pending...)
}

// Notify returns the channel that signals new events are available to Drain.
func (s *Subscription) Notify() <-chan struct{} { return s.notify }

// Close unregisters the subscription from its Bus.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

// Subscribe is spec.md §4.5's subscribe(filter={job_id?}) → Subscription.
// If sinceID > 0, the subscription's initial Drain will include a replay
// of buffered events newer than sinceID from the ring buffer, honoring an
// SSE client's Last-Event-ID on reconnect (spec.md §6).
func (b *Bus) Subscribe(jobIDFilter string, sinceID int64) *Subscription {
	sub := &Subscription{
		bus:         b,
		jobIDFilter: jobIDFilter,
		cap:         b.cfg.SubscriberBuffer,
		notify:      make(chan struct{}, 1),
	}

	b.mu.Lock()
	if sinceID > 0 {
		var replay []Event
		if jobIDFilter != "" {
			if jr, ok := b.perJob[jobIDFilter]; ok {
				replay = jr.since(sinceID, 0)
			}
		} else {
			replay = b.global.since(sinceID, 0)
		}
		sub.buf = append(sub.buf, replay...)
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if len(sub.buf) > 0 {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return sub
}

// History is spec.md §4.5's history(job_id, limit) → [events]: reads the
// ring buffer only, not a durable audit log. Events that have aged out of
// the ring are not returned.
func (b *Bus) History(jobIDFilter string, afterID int64, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if jobIDFilter != "" {
		jr, ok := b.perJob[jobIDFilter]
		if !ok {
			return nil
		}
		return jr.since(afterID, limit)
	}
	return b.global.since(afterID, limit)
}
