package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
)

// backdateHeartbeat rewrites an agent's last_heartbeat so the reaper sees it
// as stale without the test having to sleep.
func backdateHeartbeat(t *testing.T, service *Service, agentID string, age time.Duration) {
	t.Helper()
	stale := time.Now().UTC().Add(-age)
	query := service.store.db.Rebind("UPDATE agents SET last_heartbeat = ? WHERE agent_id = ?")
	_, err := service.store.db.ExecContext(context.Background(), query, stale, agentID)
	require.NoError(t, err)
}

func newTestMonitor(service *Service) *AgentHealthMonitor {
	healthConfig := &config.HealthConfiguration{
		CheckInterval: 1,
		Defaults:      config.HealthThresholds{TimeoutThreshold: 20, EvictionThreshold: 60},
		AgentTypes: map[string]config.HealthThresholds{
			"critical": {TimeoutThreshold: 5, EvictionThreshold: 10},
		},
	}
	cfg := &config.Config{LogLevel: "ERROR"}
	log := logger.NewWithWriters(cfg, io.Discard, io.Discard)
	return NewAgentHealthMonitor(service, log, healthConfig)
}

func TestCheckOnce(t *testing.T) {
	t.Run("FreshAgentUntouched", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()
		monitor := newTestMonitor(service)

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)

		evicted := monitor.CheckOnce(context.Background())
		assert.Empty(t, evicted)

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.Equal(t, database.AgentStatusHealthy, info.Status)
	})

	t.Run("StaleAgentDegrades", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()
		monitor := newTestMonitor(service)

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		backdateHeartbeat(t, service, "svc-aaaa1111", 30*time.Second)

		evicted := monitor.CheckOnce(context.Background())
		assert.Empty(t, evicted, "past timeout but not eviction degrades only")

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.Equal(t, database.AgentStatusDegraded, info.Status)
	})

	t.Run("VeryStaleAgentExpiresInOneTick", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()
		monitor := newTestMonitor(service)

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		backdateHeartbeat(t, service, "svc-aaaa1111", 2*time.Minute)

		evicted := monitor.CheckOnce(context.Background())
		assert.Equal(t, []string{"svc-aaaa1111"}, evicted,
			"eviction is checked before degradation; no intermediate degraded pass needed")
	})

	t.Run("HeartbeatResurrectsExpiredAgent", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()
		monitor := newTestMonitor(service)

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		backdateHeartbeat(t, service, "svc-aaaa1111", 2*time.Minute)
		require.Len(t, monitor.CheckOnce(context.Background()), 1)

		_, err = service.Heartbeat(context.Background(), &AgentRegistrationRequest{AgentID: "svc-aaaa1111"})
		require.NoError(t, err)

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.Equal(t, database.AgentStatusHealthy, info.Status)
	})

	t.Run("PerTypeThresholds", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()
		monitor := newTestMonitor(service)

		req := heartbeatReq("crit-aaaa1111", "alerts", "1.0.0")
		req.AgentType = "critical"
		_, err := service.Heartbeat(context.Background(), req)
		require.NoError(t, err)

		// 15s is stale for type critical (eviction 10s) but fresh for the
		// defaults (timeout 20s).
		backdateHeartbeat(t, service, "crit-aaaa1111", 15*time.Second)
		evicted := monitor.CheckOnce(context.Background())
		assert.Equal(t, []string{"crit-aaaa1111"}, evicted)
	})

	t.Run("PerAgentOverridesBeatTypeConfig", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()
		monitor := newTestMonitor(service)

		req := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0")
		req.TimeoutThreshold = 100
		req.EvictionThreshold = 300
		_, err := service.Heartbeat(context.Background(), req)
		require.NoError(t, err)

		backdateHeartbeat(t, service, "svc-aaaa1111", 90*time.Second)
		evicted := monitor.CheckOnce(context.Background())
		assert.Empty(t, evicted)

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.Equal(t, database.AgentStatusHealthy, info.Status)
	})
}

func TestThresholdsFor(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	monitor := newTestMonitor(service)

	timeout, eviction := monitor.ThresholdsFor(&database.Agent{AgentType: "mcp_agent"})
	assert.Equal(t, 20*time.Second, timeout)
	assert.Equal(t, 60*time.Second, eviction)

	timeout, eviction = monitor.ThresholdsFor(&database.Agent{AgentType: "critical"})
	assert.Equal(t, 5*time.Second, timeout)
	assert.Equal(t, 10*time.Second, eviction)

	timeout, eviction = monitor.ThresholdsFor(&database.Agent{AgentType: "critical", TimeoutThreshold: 3, EvictionThreshold: 7})
	assert.Equal(t, 3*time.Second, timeout)
	assert.Equal(t, 7*time.Second, eviction)
}

func TestMonitorLifecycle(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	monitor := newTestMonitor(service)

	assert.False(t, monitor.IsRunning())
	monitor.Start()
	assert.True(t, monitor.IsRunning())
	monitor.Start() // second start is a no-op
	monitor.Stop()
	assert.False(t, monitor.IsRunning())
	monitor.Stop() // second stop is a no-op
}
