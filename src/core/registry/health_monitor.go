package registry

import (
	"context"
	"sync"
	"time"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
)

// AgentHealthMonitor is the reaper: a single timer goroutine that walks the
// healthy/degraded set on every tick and applies the two-stage state machine
// (healthy -> degraded -> expired). Heartbeats move agents back; the monitor
// only ever moves them forward.
type AgentHealthMonitor struct {
	service      *Service
	logger       *logger.Logger
	healthConfig *config.HealthConfiguration

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
}

// NewAgentHealthMonitor creates a health monitor instance.
func NewAgentHealthMonitor(service *Service, logger *logger.Logger, healthConfig *config.HealthConfiguration) *AgentHealthMonitor {
	return &AgentHealthMonitor{
		service:      service,
		logger:       logger,
		healthConfig: healthConfig,
		stopChan:     make(chan struct{}),
	}
}

// Start begins background health monitoring.
func (h *AgentHealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		h.logger.Warning("Health monitor is already running")
		return
	}

	h.running = true
	h.wg.Add(1)

	interval := time.Duration(h.healthConfig.CheckInterval) * time.Second

	go func() {
		defer h.wg.Done()
		h.logger.Info("Starting agent health monitor (interval: %v, defaults: timeout=%ds eviction=%ds)",
			interval, h.healthConfig.Defaults.TimeoutThreshold, h.healthConfig.Defaults.EvictionThreshold)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.CheckOnce(context.Background())
			case <-h.stopChan:
				h.logger.Info("Agent health monitor stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the health monitor.
func (h *AgentHealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	h.running = false
	close(h.stopChan)
	h.wg.Wait()
}

// IsRunning reports whether the monitor goroutine is active.
func (h *AgentHealthMonitor) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// CheckOnce runs one reaper pass and returns the ids of agents it expired.
// Eviction is applied before degradation so an agent past both thresholds
// goes straight to expired in one tick.
func (h *AgentHealthMonitor) CheckOnce(ctx context.Context) []string {
	agents, err := h.service.store.ListAgentsByStatuses(ctx, database.AgentStatusHealthy, database.AgentStatusDegraded)
	if err != nil {
		h.logger.Error("Health monitor failed to load agents: %v", err)
		return nil
	}

	now := time.Now().UTC()
	var evicted []string
	var degradedCount int

	for _, agent := range agents {
		// An agent that never heartbeated is judged by its creation time.
		lastSeen := agent.CreatedAt
		if agent.LastHeartbeat != nil {
			lastSeen = *agent.LastHeartbeat
		}
		elapsed := now.Sub(lastSeen)

		timeout, eviction := h.ThresholdsFor(agent)

		switch {
		case elapsed > eviction:
			if err := h.service.transitionAgent(ctx, agent.ID, database.AgentStatusExpired, "timeout"); err != nil {
				h.logger.Error("Failed to expire agent %s: %v", agent.ID, err)
				continue
			}
			h.logger.Info("Agent %s expired (no heartbeat for %v, eviction threshold %v)", agent.ID, elapsed.Round(time.Second), eviction)
			evicted = append(evicted, agent.ID)

		case elapsed > timeout && agent.Status == database.AgentStatusHealthy:
			if err := h.service.transitionAgent(ctx, agent.ID, database.AgentStatusDegraded, "timeout"); err != nil {
				h.logger.Error("Failed to degrade agent %s: %v", agent.ID, err)
				continue
			}
			h.logger.Info("Agent %s degraded (no heartbeat for %v, timeout threshold %v)", agent.ID, elapsed.Round(time.Second), timeout)
			degradedCount++
		}
	}

	if len(evicted) > 0 {
		h.service.metrics.AddExpired(len(evicted))
	}
	if degradedCount > 0 {
		h.service.metrics.AddDegraded(degradedCount)
	}

	return evicted
}

// ThresholdsFor resolves the two reaper deadlines for one agent: per-agent
// registered values win, then per-agent-type configuration, then defaults.
func (h *AgentHealthMonitor) ThresholdsFor(agent *database.Agent) (timeout, eviction time.Duration) {
	thresholds := h.healthConfig.ThresholdsFor(agent.AgentType)

	timeoutSec := thresholds.TimeoutThreshold
	evictionSec := thresholds.EvictionThreshold
	if agent.TimeoutThreshold > 0 {
		timeoutSec = agent.TimeoutThreshold
	}
	if agent.EvictionThreshold > 0 {
		evictionSec = agent.EvictionThreshold
	}

	return time.Duration(timeoutSec) * time.Second, time.Duration(evictionSec) * time.Second
}
