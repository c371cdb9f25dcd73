package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentmesh/src/core/logger"
)

// Handlers is the HTTP layer: it binds requests, calls the service, and
// translates error kinds into status codes. No business logic lives here.
type Handlers struct {
	service   *Service
	events    *EventHub
	logger    *logger.Logger
	startTime time.Time
	version   string
}

// NewHandlers creates the handler set.
func NewHandlers(service *Service, events *EventHub, logger *logger.Logger, version string) *Handlers {
	return &Handlers{
		service:   service,
		events:    events,
		logger:    logger,
		startTime: time.Now().UTC(),
		version:   version,
	}
}

// respondError maps a service error to its wire form. Internal errors are
// logged with a correlation id and surface as a generic 500.
func (h *Handlers) respondError(c *gin.Context, err error) {
	se := AsServiceError(err)
	status := se.HTTPStatus()

	message := se.Message
	if se.Kind == KindInternal {
		correlationID := NewCorrelationID()
		h.logger.Error("Internal error [%s]: %v", correlationID, err)
		message = fmt.Sprintf("internal error (correlation id %s)", correlationID)
	}

	c.JSON(status, ErrorResponse{
		Error:   se.KindString(),
		Code:    status,
		Message: message,
	})
}

// GetRoot implements GET /.
func (h *Handlers) GetRoot(c *gin.Context) {
	c.JSON(http.StatusOK, RootResponse{
		Service: "agentmesh-registry",
		Version: h.version,
		Status:  "running",
		Endpoints: []string{
			"/health", "/agents", "/agents/heartbeat", "/capabilities",
			"/metrics", "/metrics/prometheus", "/watch",
		},
	})
}

// GetHealth implements GET /health (registry self-health).
func (h *Handlers) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().UTC(),
		Service:       "agentmesh-registry",
	})
}

// HeadHealth implements HEAD /health.
func (h *Handlers) HeadHealth(c *gin.Context) {
	c.Header("X-Health-Status", "healthy")
	c.Header("X-Service-Version", h.version)
	c.Header("X-Uptime-Seconds", fmt.Sprintf("%d", int(time.Since(h.startTime).Seconds())))
	c.Status(http.StatusOK)
}

// SendHeartbeat implements POST /agents/heartbeat, the unified
// registration/heartbeat endpoint.
func (h *Handlers) SendHeartbeat(c *gin.Context) {
	var req AgentRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		})
		return
	}

	resp, err := h.service.Heartbeat(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// FastHeartbeatCheck implements HEAD /agents/heartbeat/{agent_id}. The
// status code alone is the contract:
//
//	200 unchanged, 202 topology changed, 410 unknown agent, 503 registry error
func (h *Handlers) FastHeartbeatCheck(c *gin.Context) {
	agentID := c.Param("agent_id")

	changed, err := h.service.FastHeartbeat(c.Request.Context(), agentID)
	if err != nil {
		se := AsServiceError(err)
		if se.Kind == KindNotFound {
			c.Status(http.StatusGone)
			return
		}
		h.logger.Warning("Fast heartbeat for %s failed: %v", agentID, err)
		c.Status(http.StatusServiceUnavailable)
		return
	}

	if changed {
		c.Status(http.StatusAccepted)
		return
	}
	c.Status(http.StatusOK)
}

// ListAgents implements GET /agents.
func (h *Handlers) ListAgents(c *gin.Context) {
	var params AgentQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("invalid query parameters: %v", err),
		})
		return
	}

	resp, err := h.service.ListAgents(c.Request.Context(), &params)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetAgent implements GET /agents/{agent_id}.
func (h *Handlers) GetAgent(c *gin.Context) {
	info, err := h.service.GetAgent(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// UnregisterAgent implements DELETE /agents/{agent_id}. 204 either way:
// the operation is idempotent.
func (h *Handlers) UnregisterAgent(c *gin.Context) {
	if _, err := h.service.UnregisterAgent(c.Request.Context(), c.Param("agent_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SearchCapabilities implements GET /capabilities.
func (h *Handlers) SearchCapabilities(c *gin.Context) {
	var params CapabilityQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("invalid query parameters: %v", err),
		})
		return
	}

	resp, err := h.service.SearchCapabilities(c.Request.Context(), &params)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetAgentHealth implements GET /health/{agent_id}.
func (h *Handlers) GetAgentHealth(c *gin.Context) {
	resp, err := h.service.GetAgentHealth(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetMetrics implements GET /metrics.
func (h *Handlers) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Metrics().Snapshot())
}

// GetPrometheusMetrics implements GET /metrics/prometheus.
func (h *Handlers) GetPrometheusMetrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
		[]byte(h.service.Metrics().RenderPrometheus()))
}

// Watch implements GET /watch: a long-lived stream of change events, SSE
// when the client accepts text/event-stream and newline-delimited JSON
// otherwise. A resource_version query parameter replays persisted events
// with a newer version before going live.
func (h *Handlers) Watch(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal",
			Code:    http.StatusInternalServerError,
			Message: "streaming not supported",
		})
		return
	}

	useSSE := strings.Contains(c.GetHeader("Accept"), "text/event-stream")
	if useSSE {
		c.Header("Content-Type", "text/event-stream")
	} else {
		c.Header("Content-Type", "application/x-ndjson")
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	write := func(event WatchEvent) bool {
		data, err := json.Marshal(event)
		if err != nil {
			return true
		}
		if useSSE {
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		} else {
			fmt.Fprintf(c.Writer, "%s\n", data)
		}
		flusher.Flush()
		return true
	}

	// Subscribe before replay so no event between replay and live is lost;
	// watchers tolerate the resulting duplicates by resource version.
	live, cancel := h.events.Subscribe()
	defer cancel()

	if rv := c.Query("resource_version"); rv != "" {
		replay, err := h.service.EventsAfterVersion(c.Request.Context(), rv)
		if err != nil {
			h.respondError(c, NewTransient(err, "failed to replay events"))
			return
		}
		for _, event := range replay {
			write(WatchEvent{
				Type:            event.EventType,
				Object:          json.RawMessage(event.Data),
				ResourceVersion: event.ResourceVersion,
			})
		}
	}

	ctx := c.Request.Context()
	for {
		select {
		case event, ok := <-live:
			if !ok {
				return
			}
			write(event)
		case <-ctx.Done():
			return
		}
	}
}
