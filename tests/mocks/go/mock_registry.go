// Package registrymock simulates the registry HTTP surface for runtime
// tests: scripted resolution responses, request capture, and a toggle for
// the fast-heartbeat topology signal. Tests against it never need a
// database or a real registry process.
package registrymock

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// CapturedRequest is one request the mock saw, for test verification.
type CapturedRequest struct {
	Method    string
	Path      string
	Body      map[string]interface{}
	Timestamp time.Time
}

// MockRegistry is an httptest-backed registry double.
type MockRegistry struct {
	server *httptest.Server

	mu       sync.Mutex
	agents   map[string]map[string]interface{}
	requests []CapturedRequest

	// scripted behavior
	resolutions     map[string][]map[string]interface{}
	llmResolutions  map[string][]map[string]interface{}
	omitResolutions bool
	topologyChanged bool
	forgetAgents    bool
	failHeartbeats  bool
}

// New starts a mock registry. Callers must Close it.
func New() *MockRegistry {
	gin.SetMode(gin.TestMode)

	m := &MockRegistry{
		agents:      make(map[string]map[string]interface{}),
		resolutions: make(map[string][]map[string]interface{}),
	}

	router := gin.New()
	router.POST("/agents/heartbeat", m.handleHeartbeat)
	router.HEAD("/agents/heartbeat/:agent_id", m.handleFastHeartbeat)
	router.GET("/agents", m.handleListAgents)
	router.DELETE("/agents/:agent_id", m.handleUnregister)

	m.server = httptest.NewServer(router)
	return m
}

// URL returns the mock's base URL for MCP_MESH_REGISTRY_URL.
func (m *MockRegistry) URL() string { return m.server.URL }

// Close shuts the server down.
func (m *MockRegistry) Close() { m.server.Close() }

// SetResolutions scripts the dependencies_resolved channel of subsequent
// heartbeat responses.
func (m *MockRegistry) SetResolutions(resolved map[string][]map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions = resolved
	m.topologyChanged = true
}

// SetLLMResolutions scripts the llm_tools_resolved channel.
func (m *MockRegistry) SetLLMResolutions(resolved map[string][]map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmResolutions = resolved
}

// OmitResolutions makes heartbeat responses carry no resolution fields at
// all, exercising the client's skip path.
func (m *MockRegistry) OmitResolutions(omit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitResolutions = omit
}

// ForgetAgents makes fast heartbeats answer 410 until the next full POST.
func (m *MockRegistry) ForgetAgents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetAgents = true
	m.agents = make(map[string]map[string]interface{})
}

// FailHeartbeats makes POST heartbeats answer 503.
func (m *MockRegistry) FailHeartbeats(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failHeartbeats = fail
}

// Requests returns a copy of everything captured so far.
func (m *MockRegistry) Requests() []CapturedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapturedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// HeartbeatCount counts full POST heartbeats received.
func (m *MockRegistry) HeartbeatCount() int {
	count := 0
	for _, r := range m.Requests() {
		if r.Method == http.MethodPost && r.Path == "/agents/heartbeat" {
			count++
		}
	}
	return count
}

// FastHeartbeatCount counts HEAD checks received.
func (m *MockRegistry) FastHeartbeatCount() int {
	count := 0
	for _, r := range m.Requests() {
		if r.Method == http.MethodHead {
			count++
		}
	}
	return count
}

func (m *MockRegistry) capture(c *gin.Context) map[string]interface{} {
	var body map[string]interface{}
	if c.Request.Body != nil {
		if data, err := io.ReadAll(c.Request.Body); err == nil && len(data) > 0 {
			json.Unmarshal(data, &body)
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, CapturedRequest{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Body:      body,
		Timestamp: time.Now(),
	})
	m.mu.Unlock()
	return body
}

func (m *MockRegistry) handleHeartbeat(c *gin.Context) {
	body := m.capture(c)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failHeartbeats {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transient", "code": 503, "message": "mock outage"})
		return
	}

	agentID, _ := body["agent_id"].(string)
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "code": 400, "message": "agent_id required"})
		return
	}
	m.agents[agentID] = body
	m.forgetAgents = false

	resp := gin.H{
		"status":    "success",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   "heartbeat processed",
		"agent_id":  agentID,
	}
	if !m.omitResolutions {
		resp["dependencies_resolved"] = m.resolutions
		if m.llmResolutions != nil {
			resp["llm_tools_resolved"] = m.llmResolutions
		}
	}
	m.topologyChanged = false

	c.JSON(http.StatusOK, resp)
}

func (m *MockRegistry) handleFastHeartbeat(c *gin.Context) {
	m.capture(c)

	m.mu.Lock()
	defer m.mu.Unlock()

	agentID := c.Param("agent_id")
	if m.forgetAgents {
		c.Status(http.StatusGone)
		return
	}
	if _, known := m.agents[agentID]; !known {
		c.Status(http.StatusGone)
		return
	}
	if m.topologyChanged {
		c.Status(http.StatusAccepted)
		return
	}
	c.Status(http.StatusOK)
}

func (m *MockRegistry) handleListAgents(c *gin.Context) {
	m.capture(c)

	m.mu.Lock()
	defer m.mu.Unlock()

	agents := make([]map[string]interface{}, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, agent)
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":    agents,
		"count":     len(agents),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (m *MockRegistry) handleUnregister(c *gin.Context) {
	m.capture(c)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.agents, c.Param("agent_id"))
	c.Status(http.StatusNoContent)
}
