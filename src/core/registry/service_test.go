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

// setupTestService builds a service on a fresh in-memory database. The
// event hub runs without redis; the returned cleanup stops everything.
func setupTestService(t *testing.T) (*Service, func()) {
	t.Helper()

	db, err := database.Initialize(&database.Config{
		DatabaseURL:        ":memory:",
		ConnectionTimeout:  5,
		BusyTimeout:        5000,
		JournalMode:        "MEMORY",
		Synchronous:        "OFF",
		CacheSize:          1000,
		EnableForeignKeys:  true,
		MaxOpenConnections: 1,
		MaxIdleConnections: 1,
		ConnMaxLifetime:    60,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		LogLevel:            "ERROR",
		CacheTTL:            30,
		EnableResponseCache: false,
	}
	healthConfig := &config.HealthConfiguration{
		CheckInterval: 1,
		Defaults:      config.HealthThresholds{TimeoutThreshold: 20, EvictionThreshold: 60},
		AgentTypes: map[string]config.HealthThresholds{
			"critical": {TimeoutThreshold: 5, EvictionThreshold: 10},
		},
	}

	log := logger.NewWithWriters(cfg, io.Discard, io.Discard)
	events := NewEventHub("", log)
	events.Start()

	service := NewService(db, cfg, healthConfig, events, log)
	cleanup := func() {
		events.Stop()
		db.Close()
	}
	return service, cleanup
}

// heartbeatReq builds a registration for one agent exposing one tool.
func heartbeatReq(agentID, capability, version string, deps ...DependencySpec) *AgentRegistrationRequest {
	return &AgentRegistrationRequest{
		AgentID:   agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		HTTPHost:  "localhost",
		HTTPPort:  8080,
		Tools: []ToolRegistration{{
			FunctionName: "fn_" + capability,
			Capability:   capability,
			Version:      version,
			Dependencies: deps,
		}},
	}
}

func TestHeartbeatRegistration(t *testing.T) {
	t.Run("NewAgentBecomesHealthy", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		resp, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, "success", resp.Status)
		assert.Equal(t, "svc-aaaa1111", resp.AgentID)
		assert.NotEmpty(t, resp.ResourceVersion)

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.Equal(t, database.AgentStatusHealthy, info.Status, "a heartbeat is itself proof of life; never rest in pending")
		assert.NotNil(t, info.LastHeartbeat)
		require.Len(t, info.Capabilities, 1)
		assert.Equal(t, "greeting", info.Capabilities[0].Capability)
	})

	t.Run("MissingAgentIDIsValidationError", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), &AgentRegistrationRequest{})
		require.Error(t, err)
		assert.Equal(t, KindValidation, AsServiceError(err).Kind)
	})

	t.Run("NameCollisionIsConflict", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		first := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0")
		first.Name = "greeter"
		_, err := service.Heartbeat(context.Background(), first)
		require.NoError(t, err)

		second := heartbeatReq("svc-bbbb2222", "greeting", "1.0.0")
		second.Name = "greeter"
		_, err = service.Heartbeat(context.Background(), second)
		require.Error(t, err)
		assert.Equal(t, KindConflict, AsServiceError(err).Kind)

		// Same name in another namespace is fine.
		third := heartbeatReq("svc-cccc3333", "greeting", "1.0.0")
		third.Name = "greeter"
		third.Namespace = "staging"
		_, err = service.Heartbeat(context.Background(), third)
		assert.NoError(t, err)
	})

	t.Run("ReRegistrationBumpsResourceVersion", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		resp1, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		resp2, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.1.0"))
		require.NoError(t, err)
		assert.Greater(t, resp2.ResourceVersion, resp1.ResourceVersion)

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		require.Len(t, info.Capabilities, 1, "capabilities are replaced, not accumulated")
		assert.Equal(t, "1.1.0", info.Capabilities[0].Version)
	})

	t.Run("LightweightHeartbeatKeepsTools", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)

		resp, err := service.Heartbeat(context.Background(), &AgentRegistrationRequest{AgentID: "svc-aaaa1111"})
		require.NoError(t, err)
		assert.Equal(t, "success", resp.Status)

		info, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.Len(t, info.Capabilities, 1)
	})

	t.Run("HighSecurityPolicy", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		req := heartbeatReq("vault-aaaa1111", "secrets", "1.0.0")
		req.AgentType = "high_security"
		_, err := service.Heartbeat(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, KindSecurityViolation, AsServiceError(err).Kind)

		req.Tools = append(req.Tools,
			ToolRegistration{FunctionName: "authn", Capability: "authentication"},
			ToolRegistration{FunctionName: "authz", Capability: "authorization"},
			ToolRegistration{FunctionName: "audit_log", Capability: "audit"},
		)
		_, err = service.Heartbeat(context.Background(), req)
		assert.NoError(t, err)
	})
}

func TestDependencyResolutionFlow(t *testing.T) {
	t.Run("UnavailableUntilProviderArrives", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		consumer := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0", DependencySpec{Capability: "date_service"})
		resp, err := service.Heartbeat(context.Background(), consumer)
		require.NoError(t, err)

		slots := resp.DependenciesResolved["fn_greeting"]
		require.Len(t, slots, 1)
		assert.Equal(t, ResolutionUnavailable, slots[0].Status)
		assert.Equal(t, "date_service", slots[0].Capability)

		_, err = service.Heartbeat(context.Background(), heartbeatReq("date-bbbb2222", "date_service", "1.0.0"))
		require.NoError(t, err)

		resp, err = service.Heartbeat(context.Background(), consumer)
		require.NoError(t, err)
		slots = resp.DependenciesResolved["fn_greeting"]
		require.Len(t, slots, 1)
		assert.Equal(t, ResolutionAvailable, slots[0].Status)
		assert.Equal(t, "date-bbbb2222", slots[0].AgentID)
		assert.Equal(t, "http://localhost:8080", slots[0].Endpoint)
	})

	t.Run("VersionConstraintPicksHighestMatching", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		for id, version := range map[string]string{
			"date-aaaa0001": "1.0.0",
			"date-aaaa0002": "1.2.3",
			"date-aaaa0003": "2.0.0",
		} {
			_, err := service.Heartbeat(context.Background(), heartbeatReq(id, "date_service", version))
			require.NoError(t, err)
		}

		consumer := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0",
			DependencySpec{Capability: "date_service", Version: "^1.0.0"})
		resp, err := service.Heartbeat(context.Background(), consumer)
		require.NoError(t, err)

		slots := resp.DependenciesResolved["fn_greeting"]
		require.Len(t, slots, 1)
		assert.Equal(t, ResolutionAvailable, slots[0].Status)
		assert.Equal(t, "date-aaaa0002", slots[0].AgentID, "^1.0.0 must select 1.2.3, not 2.0.0")
	})

	t.Run("KwargsEchoThrough", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), heartbeatReq("date-bbbb2222", "date_service", "1.0.0"))
		require.NoError(t, err)

		consumer := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0",
			DependencySpec{Capability: "date_service", Kwargs: map[string]interface{}{"timeout": float64(5)}})
		resp, err := service.Heartbeat(context.Background(), consumer)
		require.NoError(t, err)

		slots := resp.DependenciesResolved["fn_greeting"]
		require.Len(t, slots, 1)
		assert.Equal(t, map[string]interface{}{"timeout": float64(5)}, slots[0].Kwargs)
	})

	t.Run("ExpiredProviderStopsResolving", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), heartbeatReq("date-bbbb2222", "date_service", "1.0.0"))
		require.NoError(t, err)
		require.NoError(t, service.transitionAgent(context.Background(), "date-bbbb2222", database.AgentStatusExpired, "timeout"))

		consumer := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0", DependencySpec{Capability: "date_service"})
		resp, err := service.Heartbeat(context.Background(), consumer)
		require.NoError(t, err)
		assert.Equal(t, ResolutionUnavailable, resp.DependenciesResolved["fn_greeting"][0].Status)
	})

	t.Run("SelfDependencyResolvesToOwnAgent", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		req := &AgentRegistrationRequest{
			AgentID:  "svc-aaaa1111",
			HTTPHost: "localhost",
			HTTPPort: 8080,
			Tools: []ToolRegistration{
				{FunctionName: "get_date", Capability: "date_service", Version: "1.0.0"},
				{FunctionName: "greet", Capability: "greeting", Version: "1.0.0",
					Dependencies: []DependencySpec{{Capability: "date_service"}}},
			},
		}
		resp, err := service.Heartbeat(context.Background(), req)
		require.NoError(t, err)

		slots := resp.DependenciesResolved["greet"]
		require.Len(t, slots, 1)
		assert.Equal(t, ResolutionAvailable, slots[0].Status)
		assert.Equal(t, "svc-aaaa1111", slots[0].AgentID,
			"an agent may satisfy its own dependency; the client decides to short-circuit")
	})
}

func TestFastHeartbeat(t *testing.T) {
	t.Run("UnknownAgentIsNotFound", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.FastHeartbeat(context.Background(), "ghost-00000000")
		require.Error(t, err)
		assert.Equal(t, KindNotFound, AsServiceError(err).Kind)
	})

	t.Run("UnchangedTopologyReportsFalse", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)

		changed, err := service.FastHeartbeat(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.False(t, changed, "the agent's own registration event is not a topology change")
	})

	t.Run("OtherAgentRegistrationReportsTrue", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		_, err = service.Heartbeat(context.Background(), heartbeatReq("date-bbbb2222", "date_service", "1.0.0"))
		require.NoError(t, err)

		changed, err := service.FastHeartbeat(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.True(t, changed)

		// A full heartbeat refreshes the agent's view; the same change must
		// not re-signal.
		_, err = service.Heartbeat(context.Background(), &AgentRegistrationRequest{AgentID: "svc-aaaa1111"})
		require.NoError(t, err)
		changed, err = service.FastHeartbeat(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("StampsHeartbeat", func(t *testing.T) {
		service, cleanup := setupTestService(t)
		defer cleanup()

		_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
		require.NoError(t, err)
		before, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		_, err = service.FastHeartbeat(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)

		after, err := service.GetAgent(context.Background(), "svc-aaaa1111")
		require.NoError(t, err)
		assert.True(t, after.LastHeartbeat.After(*before.LastHeartbeat))
	})
}

func TestUnregisterAgent(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
	require.NoError(t, err)

	existed, err := service.UnregisterAgent(context.Background(), "svc-aaaa1111")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = service.GetAgent(context.Background(), "svc-aaaa1111")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, AsServiceError(err).Kind)

	// Idempotent: the second delete succeeds without having deleted.
	existed, err = service.UnregisterAgent(context.Background(), "svc-aaaa1111")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListAgents(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	reqA := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0")
	reqA.Labels = map[string]string{"env": "prod"}
	_, err := service.Heartbeat(context.Background(), reqA)
	require.NoError(t, err)

	reqB := heartbeatReq("date-bbbb2222", "date_service", "1.0.0")
	reqB.Namespace = "staging"
	_, err = service.Heartbeat(context.Background(), reqB)
	require.NoError(t, err)

	t.Run("DefaultsToHealthy", func(t *testing.T) {
		resp, err := service.ListAgents(context.Background(), &AgentQueryParams{})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("NamespaceFilter", func(t *testing.T) {
		resp, err := service.ListAgents(context.Background(), &AgentQueryParams{Namespace: "staging"})
		require.NoError(t, err)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "date-bbbb2222", resp.Agents[0].AgentID)
	})

	t.Run("LabelSelector", func(t *testing.T) {
		resp, err := service.ListAgents(context.Background(), &AgentQueryParams{LabelSelector: "env=prod"})
		require.NoError(t, err)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "svc-aaaa1111", resp.Agents[0].AgentID)
	})

	t.Run("MalformedSelectorIsValidationError", func(t *testing.T) {
		_, err := service.ListAgents(context.Background(), &AgentQueryParams{LabelSelector: "env!=prod"})
		require.Error(t, err)
		assert.Equal(t, KindValidation, AsServiceError(err).Kind)
	})

	t.Run("CapabilityFilter", func(t *testing.T) {
		resp, err := service.ListAgents(context.Background(), &AgentQueryParams{Capabilities: []string{"date_service"}})
		require.NoError(t, err)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "date-bbbb2222", resp.Agents[0].AgentID)
	})

	t.Run("ExpiredAgentsNeverListed", func(t *testing.T) {
		require.NoError(t, service.transitionAgent(context.Background(), "date-bbbb2222", database.AgentStatusExpired, "timeout"))

		resp, err := service.ListAgents(context.Background(), &AgentQueryParams{Status: "all"})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Count, "status=all still excludes expired agents")

		// Resurrection: a heartbeat brings the agent back into discovery.
		_, err = service.Heartbeat(context.Background(), heartbeatReq("date-bbbb2222", "date_service", "1.0.0"))
		require.NoError(t, err)
		resp, err = service.ListAgents(context.Background(), &AgentQueryParams{})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Count)
	})
}

func TestSearchCapabilities(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	req := heartbeatReq("svc-aaaa1111", "greeting", "1.0.0")
	req.Tools[0].Description = "Friendly greeting tool"
	req.Tools[0].Tags = []string{"demo", "v1"}
	_, err := service.Heartbeat(context.Background(), req)
	require.NoError(t, err)

	deprecated := heartbeatReq("old-bbbb2222", "legacy_greeting", "0.1.0")
	deprecated.Tools[0].Stability = "deprecated"
	_, err = service.Heartbeat(context.Background(), deprecated)
	require.NoError(t, err)

	t.Run("DeprecatedHiddenByDefault", func(t *testing.T) {
		resp, err := service.SearchCapabilities(context.Background(), &CapabilityQueryParams{})
		require.NoError(t, err)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "greeting", resp.Capabilities[0].Capability)

		resp, err = service.SearchCapabilities(context.Background(), &CapabilityQueryParams{IncludeDeprecated: true})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("FuzzyNameMatch", func(t *testing.T) {
		resp, err := service.SearchCapabilities(context.Background(), &CapabilityQueryParams{
			Name: "greet", FuzzyMatch: true, IncludeDeprecated: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Count)

		resp, err = service.SearchCapabilities(context.Background(), &CapabilityQueryParams{Name: "greet"})
		require.NoError(t, err)
		assert.Equal(t, 0, resp.Count, "exact match by default")
	})

	t.Run("DescriptionSearch", func(t *testing.T) {
		resp, err := service.SearchCapabilities(context.Background(), &CapabilityQueryParams{DescriptionContains: "friendly"})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("TagFilter", func(t *testing.T) {
		resp, err := service.SearchCapabilities(context.Background(), &CapabilityQueryParams{Tags: "demo,v1"})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Count)

		resp, err = service.SearchCapabilities(context.Background(), &CapabilityQueryParams{Tags: "demo,missing"})
		require.NoError(t, err)
		assert.Equal(t, 0, resp.Count, "all requested tags must be present")
	})
}

func TestGetAgentHealth(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	_, err := service.Heartbeat(context.Background(), heartbeatReq("svc-aaaa1111", "greeting", "1.0.0"))
	require.NoError(t, err)

	resp, err := service.GetAgentHealth(context.Background(), "svc-aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, database.AgentStatusHealthy, resp.Status)
	assert.Equal(t, 20, resp.TimeoutThreshold)
	assert.Equal(t, 60, resp.EvictionThreshold)
	assert.False(t, resp.IsExpired)
	require.NotNil(t, resp.TimeSinceHeartbeat)

	t.Run("PerTypeThresholds", func(t *testing.T) {
		req := heartbeatReq("crit-bbbb2222", "alerts", "1.0.0")
		req.AgentType = "critical"
		_, err := service.Heartbeat(context.Background(), req)
		require.NoError(t, err)

		resp, err := service.GetAgentHealth(context.Background(), "crit-bbbb2222")
		require.NoError(t, err)
		assert.Equal(t, 5, resp.TimeoutThreshold)
		assert.Equal(t, 10, resp.EvictionThreshold)
	})

	t.Run("UnknownAgent", func(t *testing.T) {
		_, err := service.GetAgentHealth(context.Background(), "ghost-00000000")
		require.Error(t, err)
		assert.Equal(t, KindNotFound, AsServiceError(err).Kind)
	})
}
