package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"agentmesh/src/core/logger"
)

// Config controls the trace pipeline. Everything comes from the environment
// so the registry container needs no tracing-specific flags.
type Config struct {
	RedisURL      string
	StreamName    string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int
	BlockTimeout  time.Duration

	// TelemetryEndpoint empty means consume-and-log only: events are read
	// and acknowledged so the stream never grows unbounded, but nothing is
	// exported.
	TelemetryEndpoint string
	TelemetryProtocol string // grpc or http
}

// LoadConfigFromEnv builds the tracing config from environment variables.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		RedisURL:          envOr("REDIS_URL", "redis://localhost:6379"),
		StreamName:        envOr("TRACE_STREAM_NAME", "mesh:trace"),
		ConsumerGroup:     envOr("TRACE_CONSUMER_GROUP", "registry-trace-processors"),
		ConsumerName:      envOr("TRACE_CONSUMER_NAME", defaultConsumerName()),
		BatchSize:         envIntOr("TRACE_BATCH_SIZE", 10),
		BlockTimeout:      time.Duration(envIntOr("TRACE_BLOCK_TIMEOUT_SECONDS", 5)) * time.Second,
		TelemetryEndpoint: os.Getenv("TELEMETRY_ENDPOINT"),
		TelemetryProtocol: envOr("TELEMETRY_PROTOCOL", "grpc"),
	}
	return cfg
}

// Manager owns the trace pipeline: a redis stream consumer feeding an OTLP
// exporter. Construction connects; Start begins consuming.
type Manager struct {
	config   *Config
	logger   *logger.Logger
	consumer *StreamConsumer
	exporter *OTLPExporter

	mu      sync.Mutex
	running bool
}

// NewManager connects the exporter and the stream consumer. A nil exporter
// (no TELEMETRY_ENDPOINT) still drains the stream.
func NewManager(cfg *Config, log *logger.Logger) (*Manager, error) {
	m := &Manager{config: cfg, logger: log}

	if cfg.TelemetryEndpoint != "" {
		exporter, err := NewOTLPExporter(cfg.TelemetryEndpoint, cfg.TelemetryProtocol, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect OTLP exporter: %w", err)
		}
		m.exporter = exporter
	} else {
		log.Info("TELEMETRY_ENDPOINT not set; trace events will be drained without export")
	}

	consumer, err := NewStreamConsumer(cfg, m.handleEvent, log)
	if err != nil {
		if m.exporter != nil {
			m.exporter.Shutdown(context.Background())
		}
		return nil, fmt.Errorf("failed to create trace stream consumer: %w", err)
	}
	m.consumer = consumer

	return m, nil
}

// Start begins consuming trace events.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("tracing manager already running")
	}
	m.consumer.Start()
	m.running = true
	m.logger.Info("Distributed tracing pipeline started")
	return nil
}

// Stop drains the consumer and flushes the exporter.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.consumer.Stop()

	if m.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.exporter.Shutdown(ctx); err != nil {
			return err
		}
	}
	m.logger.Info("Distributed tracing pipeline stopped")
	return nil
}

// IsRunning reports whether the pipeline is consuming.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleEvent(event *TraceEvent) {
	if !event.IsTerminal() {
		return
	}
	if m.exporter == nil {
		m.logger.Debug("Trace span %s/%s (%s) drained without export",
			event.TraceID, event.SpanID, event.Operation)
		return
	}
	if err := m.exporter.ExportEvent(context.Background(), event); err != nil {
		m.logger.Warning("Failed to export span %s/%s: %v", event.TraceID, event.SpanID, err)
	}
}

func defaultConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return fmt.Sprintf("registry-%d", os.Getpid())
	}
	return hostname
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
