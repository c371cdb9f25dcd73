package tracing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agentmesh/src/core/logger"
)

// StreamConsumer reads trace events from the redis stream through a consumer
// group, so multiple registry replicas share the load and events survive a
// restart unacknowledged.
type StreamConsumer struct {
	client   *redis.Client
	config   *Config
	handler  func(*TraceEvent)
	logger   *logger.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStreamConsumer connects to redis and ensures the consumer group exists.
func NewStreamConsumer(cfg *Config, handler func(*TraceEvent), log *logger.Logger) (*StreamConsumer, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	// MKSTREAM creates the stream if no agent has published yet. BUSYGROUP
	// means another replica got here first.
	err = client.XGroupCreateMkStream(ctx, cfg.StreamName, cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, err
	}

	return &StreamConsumer{
		client:   client,
		config:   cfg,
		handler:  handler,
		logger:   log,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the consume loop.
func (sc *StreamConsumer) Start() {
	sc.wg.Add(1)
	go sc.consumeLoop()
}

// Stop terminates the consume loop and closes the connection.
func (sc *StreamConsumer) Stop() {
	close(sc.stopChan)
	sc.wg.Wait()
	sc.client.Close()
}

func (sc *StreamConsumer) consumeLoop() {
	defer sc.wg.Done()
	sc.logger.Info("Trace consumer started (stream: %s, group: %s, consumer: %s)",
		sc.config.StreamName, sc.config.ConsumerGroup, sc.config.ConsumerName)

	for {
		select {
		case <-sc.stopChan:
			sc.logger.Info("Trace consumer stopped")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), sc.config.BlockTimeout+5*time.Second)
		streams, err := sc.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sc.config.ConsumerGroup,
			Consumer: sc.config.ConsumerName,
			Streams:  []string{sc.config.StreamName, ">"},
			Count:    int64(sc.config.BatchSize),
			Block:    sc.config.BlockTimeout,
		}).Result()
		cancel()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			sc.logger.Warning("Trace stream read failed: %v", err)
			select {
			case <-sc.stopChan:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				sc.dispatch(message)
			}
		}
	}
}

func (sc *StreamConsumer) dispatch(message redis.XMessage) {
	event := &TraceEvent{}
	event.FromRedisMap(message.Values)

	if event.TraceID != "" && event.SpanID != "" {
		sc.handler(event)
	} else {
		sc.logger.Debug("Skipping malformed trace event %s (missing trace or span id)", message.ID)
	}

	// Ack either way; a malformed event never becomes exportable.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sc.client.XAck(ctx, sc.config.StreamName, sc.config.ConsumerGroup, message.ID).Err(); err != nil {
		sc.logger.Warning("Failed to ack trace event %s: %v", message.ID, err)
	}
}
