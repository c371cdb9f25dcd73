package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
)

// watcherQueueSize bounds each watcher's buffer. A watcher that falls this
// far behind is dropped, never blocked on.
const watcherQueueSize = 64

// redisEventStream is the stream change events are mirrored to when redis is
// configured.
const redisEventStream = "mesh:registry:events"

// EventHub fans registry change events out to watch connections. Publishers
// write to one internal channel; a single fanout goroutine duplicates each
// event to every subscriber queue.
type EventHub struct {
	logger *logger.Logger

	mu       sync.Mutex
	watchers map[int]chan WatchEvent
	nextID   int

	events   chan WatchEvent
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool

	// Optional mirror; nil when redis is absent or unreachable.
	redisClient *redis.Client
}

// NewEventHub creates a hub. redisURL may be empty; when set but
// unreachable the mirror is silently disabled (the registry runs fine
// without redis).
func NewEventHub(redisURL string, logger *logger.Logger) *EventHub {
	hub := &EventHub{
		logger:   logger,
		watchers: make(map[int]chan WatchEvent),
		events:   make(chan WatchEvent, 256),
		stopChan: make(chan struct{}),
	}

	if redisURL != "" {
		if opts, err := redis.ParseURL(redisURL); err == nil {
			client := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err == nil {
				hub.redisClient = client
			} else {
				client.Close()
				logger.Warning("Redis unreachable at %s, event mirroring disabled: %v", redisURL, err)
			}
		} else {
			logger.Warning("Invalid REDIS_URL %q, event mirroring disabled: %v", redisURL, err)
		}
	}

	return hub
}

// Start launches the fanout goroutine.
func (h *EventHub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.wg.Add(1)
	go h.fanout()
}

// Stop drains the hub and closes every watcher queue.
func (h *EventHub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopChan)
	h.wg.Wait()

	h.mu.Lock()
	for id, ch := range h.watchers {
		close(ch)
		delete(h.watchers, id)
	}
	h.mu.Unlock()

	if h.redisClient != nil {
		h.redisClient.Close()
	}
}

// Publish converts a persisted registry event to its watch form and queues
// it for fanout. Publish never blocks the caller: a full internal channel
// drops the event for live watchers, who can recover via replay.
func (h *EventHub) Publish(event *database.RegistryEvent) {
	watchEvent := WatchEvent{
		Type:            event.EventType,
		Object:          json.RawMessage(event.Data),
		ResourceVersion: event.ResourceVersion,
	}

	select {
	case h.events <- watchEvent:
	default:
		h.logger.Warning("Event hub channel full, dropping %s event for %s", event.EventType, event.AgentID)
	}

	h.mirrorToRedis(event)
}

// Subscribe registers a watcher queue. The returned cancel function must be
// called when the watch connection ends.
func (h *EventHub) Subscribe() (<-chan WatchEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan WatchEvent, watcherQueueSize)
	h.watchers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.watchers[id]; ok {
			delete(h.watchers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// WatcherCount returns the number of live subscriptions.
func (h *EventHub) WatcherCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

func (h *EventHub) fanout() {
	defer h.wg.Done()

	for {
		select {
		case event := <-h.events:
			h.mu.Lock()
			for id, ch := range h.watchers {
				select {
				case ch <- event:
				default:
					// Slow watcher: drop it rather than stall the hub. The
					// closed channel ends its connection.
					h.logger.Warning("Dropping slow watcher %d", id)
					delete(h.watchers, id)
					close(ch)
				}
			}
			h.mu.Unlock()
		case <-h.stopChan:
			return
		}
	}
}

// mirrorToRedis XADDs the event to the registry stream, fire and forget.
func (h *EventHub) mirrorToRedis(event *database.RegistryEvent) {
	if h.redisClient == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := h.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: redisEventStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"event_type":       event.EventType,
			"agent_id":         event.AgentID,
			"resource_version": event.ResourceVersion,
			"timestamp":        event.Timestamp.Format(time.RFC3339Nano),
			"data":             event.Data,
		},
	}).Err()
	if err != nil {
		h.logger.Debug("Failed to mirror event to redis: %v", err)
	}
}
