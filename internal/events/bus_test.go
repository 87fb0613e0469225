package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestBus_PublishAndSubscribe_OrderPreserved(t *testing.T) {
	bus := NewBus(Config{SubscriberBuffer: 10})
	jobID := "job-1"
	sub := bus.Subscribe(jobID, 0)
	defer sub.Close()

	bus.Publish(Event{Type: StageStarted, JobID: &jobID})
	bus.Publish(Event{Type: TaskStarted, JobID: &jobID})
	bus.Publish(Event{Type: TaskCompleted, JobID: &jobID})

	waitForNotify(t, sub)
	got := sub.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, StageStarted, got[0].Type)
	assert.Equal(t, TaskStarted, got[1].Type)
	assert.Equal(t, TaskCompleted, got[2].Type)
}

func TestBus_Subscribe_FiltersByJob(t *testing.T) {
	bus := NewBus(Config{SubscriberBuffer: 10})
	jobA, jobB := "job-a", "job-b"
	sub := bus.Subscribe(jobA, 0)
	defer sub.Close()

	bus.Publish(Event{Type: TaskStarted, JobID: &jobB})
	bus.Publish(Event{Type: TaskStarted, JobID: &jobA})

	waitForNotify(t, sub)
	got := sub.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, jobA, *got[0].JobID)
}

func TestBus_DropOldestOnFullBuffer(t *testing.T) {
	bus := NewBus(Config{SubscriberBuffer: 2})
	jobID := "job-1"
	sub := bus.Subscribe(jobID, 0)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: AgentEvent, JobID: &jobID})
	}

	waitForNotify(t, sub)
	got := sub.Drain()
	require.Len(t, got, 3, "dropped_event marker + 2 surviving buffered events")
	assert.Equal(t, DroppedEvent, got[0].Type)
	assert.Equal(t, 3, got[0].Data["dropped_count"])
}

func TestBus_History_ReturnsRingBufferContents(t *testing.T) {
	bus := NewBus(Config{GlobalBuffer: 100, PerJobBuffer: 100})
	jobID := "job-1"
	bus.Publish(Event{Type: JobCreated, JobID: &jobID})
	bus.Publish(Event{Type: StageStarted, JobID: &jobID})

	history := bus.History(jobID, 0, 10)
	require.Len(t, history, 2)
	assert.Equal(t, JobCreated, history[0].Type)
}

func TestBus_Subscribe_ReplaysSinceLastEventID(t *testing.T) {
	bus := NewBus(Config{GlobalBuffer: 100, PerJobBuffer: 100, SubscriberBuffer: 100})
	jobID := "job-1"

	bus.Publish(Event{Type: JobCreated, JobID: &jobID})
	bus.Publish(Event{Type: StageStarted, JobID: &jobID})

	sub := bus.Subscribe(jobID, 1) // after event id 1
	defer sub.Close()

	waitForNotify(t, sub)
	got := sub.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, StageStarted, got[0].Type)
}

func waitForNotify(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Notify():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription notify")
	}
}
