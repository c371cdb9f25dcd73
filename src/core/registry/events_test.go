package registry

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
)

func newTestHub(t *testing.T) *EventHub {
	t.Helper()
	log := logger.NewWithWriters(&config.Config{LogLevel: "ERROR"}, io.Discard, io.Discard)
	hub := NewEventHub("", log)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func testEvent(agentID, rv string) *database.RegistryEvent {
	return &database.RegistryEvent{
		EventType:       database.EventTypeAdded,
		AgentID:         agentID,
		Timestamp:       time.Now().UTC(),
		ResourceVersion: rv,
		Data:            `{"agent_id":"` + agentID + `"}`,
	}
}

func receive(t *testing.T, ch <-chan WatchEvent) WatchEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return WatchEvent{}
	}
}

func TestEventHubFanout(t *testing.T) {
	hub := newTestHub(t)

	ch1, cancel1 := hub.Subscribe()
	ch2, cancel2 := hub.Subscribe()
	defer cancel1()
	defer cancel2()
	require.Equal(t, 2, hub.WatcherCount())

	hub.Publish(testEvent("svc-aaaa1111", "100"))

	for _, ch := range []<-chan WatchEvent{ch1, ch2} {
		event := receive(t, ch)
		assert.Equal(t, database.EventTypeAdded, event.Type)
		assert.Equal(t, "100", event.ResourceVersion)
		assert.JSONEq(t, `{"agent_id":"svc-aaaa1111"}`, string(event.Object))
	}
}

func TestEventHubCancel(t *testing.T) {
	hub := newTestHub(t)

	ch, cancel := hub.Subscribe()
	require.Equal(t, 1, hub.WatcherCount())

	cancel()
	assert.Equal(t, 0, hub.WatcherCount())
	_, open := <-ch
	assert.False(t, open, "cancel closes the watcher queue")

	cancel() // second cancel is a no-op
}

func TestEventHubDropsSlowWatcher(t *testing.T) {
	hub := newTestHub(t)

	ch, cancel := hub.Subscribe()
	defer cancel()

	// Never read: once the queue is full the hub must drop the watcher
	// instead of stalling fanout for everyone else.
	for i := 0; i < watcherQueueSize+16; i++ {
		hub.Publish(testEvent("svc-aaaa1111", "1"))
	}

	require.Eventually(t, func() bool { return hub.WatcherCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// The closed queue still yields the buffered backlog, then closes.
	drained := 0
	for range ch {
		drained++
	}
	assert.Equal(t, watcherQueueSize, drained)
}

func TestEventHubStopIdempotent(t *testing.T) {
	log := logger.NewWithWriters(&config.Config{LogLevel: "ERROR"}, io.Discard, io.Discard)
	hub := NewEventHub("", log)
	hub.Start()
	hub.Start()
	hub.Stop()
	hub.Stop()
}
