package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentmesh/src/core/logger"
)

// RegistryClient speaks the registry heartbeat API.
type RegistryClient struct {
	baseURL string
	client  *http.Client
}

// NewRegistryClient creates a client for the registry at baseURL.
func NewRegistryClient(baseURL string, timeout time.Duration) *RegistryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RegistryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SendHeartbeat POSTs the full registration payload and decodes the
// resolution channels.
func (rc *RegistryClient) SendHeartbeat(ctx context.Context, payload *heartbeatPayload) (*heartbeatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.baseURL+"/agents/heartbeat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("heartbeat returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat response: %w", err)
	}

	var hr heartbeatResponse
	if err := json.Unmarshal(raw, &hr); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat response: %w", err)
	}
	// Field presence matters: absent dependencies_resolved means "skip",
	// an empty map means "unwire everything".
	if err := json.Unmarshal(raw, &hr.raw); err != nil {
		return nil, fmt.Errorf("failed to index heartbeat response: %w", err)
	}
	return &hr, nil
}

// FastCheck issues the HEAD heartbeat and returns the bare status code.
func (rc *RegistryClient) FastCheck(ctx context.Context, agentID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rc.baseURL+"/agents/heartbeat/"+agentID, nil)
	if err != nil {
		return 0, err
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Unregister removes the agent from the registry.
func (rc *RegistryClient) Unregister(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, rc.baseURL+"/agents/"+agentID, nil)
	if err != nil {
		return err
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unregister returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// HeartbeatLoop drives periodic registration and rewiring for one agent.
// Any transport failure or registry 5xx is a skip: existing wiring is kept
// and the next tick retries, so a registry outage degrades discovery but
// never working calls.
type HeartbeatLoop struct {
	cfg        *Config
	client     *RegistryClient
	decorators *DecoratorRegistry
	depEngine  *RewiringEngine
	llmEngine  *RewiringEngine
	logger     *logger.Logger

	agentID      string
	endpointHost string
	endpointPort int

	// forceFull is set on startup and whenever HEAD says 202 or 410.
	forceFull bool
	lastPostOK bool

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHeartbeatLoop assembles a loop; Start runs it.
func NewHeartbeatLoop(cfg *Config, client *RegistryClient, decorators *DecoratorRegistry, depEngine, llmEngine *RewiringEngine, agentID, endpointHost string, endpointPort int, log *logger.Logger) *HeartbeatLoop {
	return &HeartbeatLoop{
		cfg:          cfg,
		client:       client,
		decorators:   decorators,
		depEngine:    depEngine,
		llmEngine:    llmEngine,
		logger:       log,
		agentID:      agentID,
		endpointHost: endpointHost,
		endpointPort: endpointPort,
		forceFull:    true,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the loop goroutine. The first tick fires immediately so a
// fresh agent registers without waiting a full interval.
func (hl *HeartbeatLoop) Start() {
	interval := time.Duration(hl.cfg.HealthInterval) * time.Second

	go func() {
		defer close(hl.done)
		hl.logger.Info("Heartbeat loop started (agent: %s, interval: %v)", hl.agentID, interval)

		hl.Tick(context.Background())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hl.Tick(context.Background())
			case <-hl.stopChan:
				hl.logger.Info("Heartbeat loop stopped")
				return
			}
		}
	}()
}

// Stop flags the loop and waits for it to finish, bounded by ctx.
func (hl *HeartbeatLoop) Stop(ctx context.Context) error {
	hl.stopOnce.Do(func() { close(hl.stopChan) })
	select {
	case <-hl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one heartbeat cycle. Exported so tests and cooperative
// schedulers can drive the loop manually.
func (hl *HeartbeatLoop) Tick(ctx context.Context) {
	if hl.cfg.FastHeartbeat && !hl.forceFull && hl.lastPostOK {
		status, err := hl.client.FastCheck(ctx, hl.agentID)
		if err != nil {
			hl.logger.Debug("Fast heartbeat check failed, keeping wiring: %v", err)
			return
		}
		switch status {
		case http.StatusOK:
			return
		case http.StatusAccepted:
			hl.logger.Debug("Topology changed, performing full heartbeat")
		case http.StatusGone:
			hl.logger.Info("Registry no longer knows agent %s, re-registering", hl.agentID)
		default:
			// 503 and anything unexpected: skip, retry next tick.
			hl.logger.Debug("Fast heartbeat returned HTTP %d, keeping wiring", status)
			return
		}
	}

	payload := hl.decorators.buildPayload(hl.cfg, hl.agentID, hl.endpointHost, hl.endpointPort)
	resp, err := hl.client.SendHeartbeat(ctx, payload)
	if err != nil {
		hl.logger.Debug("Heartbeat skipped, keeping wiring: %v", err)
		hl.lastPostOK = false
		return
	}
	hl.forceFull = false
	hl.lastPostOK = true

	if err := hl.depEngine.Apply(resp.DependenciesResolved, resp.hasField("dependencies_resolved")); err != nil {
		hl.logger.Warning("Dependency rewiring incomplete: %v", err)
	}
	if err := hl.llmEngine.Apply(resp.LLMToolsResolved, resp.hasField("llm_tools_resolved")); err != nil {
		hl.logger.Warning("LLM tool rewiring incomplete: %v", err)
	}
}
