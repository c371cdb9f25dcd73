package registry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
	"agentmesh/src/core/registry/tracing"
)

// Server assembles the registry: HTTP engine, service, health monitor,
// event hub, and the optional tracing pipeline.
type Server struct {
	engine         *gin.Engine
	httpServer     *http.Server
	service        *Service
	handlers       *Handlers
	events         *EventHub
	healthMonitor  *AgentHealthMonitor
	tracingManager *tracing.Manager
	logger         *logger.Logger
}

// ServerVersion is reported by / and /health; injected via ldflags in the
// daemon build.
var ServerVersion = "1.0.0"

// NewServer wires a registry server from an initialized database.
func NewServer(db *database.Database, cfg *config.Config, log *logger.Logger) (*Server, error) {
	healthConfig, err := cfg.GetHealthConfiguration()
	if err != nil {
		return nil, err
	}

	events := NewEventHub(cfg.RedisURL, log)
	service := NewService(db, cfg, healthConfig, events, log)
	handlers := NewHandlers(service, events, log, ServerVersion)
	healthMonitor := NewAgentHealthMonitor(service, log, healthConfig)

	var tracingManager *tracing.Manager
	if cfg.TracingEnabled {
		tm, err := tracing.NewManager(tracing.LoadConfigFromEnv(), log)
		if err != nil {
			log.Warning("Failed to initialize tracing manager: %v", err)
		} else {
			tracingManager = tm
		}
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.AccessLog {
		engine.Use(gin.Logger())
	}
	if cfg.EnableCORS {
		engine.Use(corsMiddleware(cfg))
	}
	engine.Use(requestDeadline(30 * time.Second))

	server := &Server{
		engine:         engine,
		service:        service,
		handlers:       handlers,
		events:         events,
		healthMonitor:  healthMonitor,
		tracingManager: tracingManager,
		logger:         log,
	}
	server.setupRoutes()
	return server, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handlers.GetRoot)
	s.engine.GET("/health", s.handlers.GetHealth)
	s.engine.HEAD("/health", s.handlers.HeadHealth)

	s.engine.POST("/agents/heartbeat", s.handlers.SendHeartbeat)
	s.engine.HEAD("/agents/heartbeat/:agent_id", s.handlers.FastHeartbeatCheck)

	s.engine.GET("/agents", s.handlers.ListAgents)
	s.engine.GET("/agents/:agent_id", s.handlers.GetAgent)
	s.engine.DELETE("/agents/:agent_id", s.handlers.UnregisterAgent)

	s.engine.GET("/capabilities", s.handlers.SearchCapabilities)
	s.engine.GET("/health/:agent_id", s.handlers.GetAgentHealth)

	s.engine.GET("/metrics", s.handlers.GetMetrics)
	s.engine.GET("/metrics/prometheus", s.handlers.GetPrometheusMetrics)

	s.engine.GET("/watch", s.handlers.Watch)
}

// Engine exposes the router for httptest servers.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run starts the background tasks and serves HTTP until Stop.
func (s *Server) Run(addr string) error {
	s.events.Start()
	s.healthMonitor.Start()

	if s.tracingManager != nil {
		if err := s.tracingManager.Start(); err != nil {
			s.logger.Warning("Failed to start distributed tracing: %v", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts everything down: HTTP first so no new work arrives, then the
// monitor, the hub, and the tracing pipeline.
func (s *Server) Stop() error {
	var firstErr error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	s.healthMonitor.Stop()
	s.events.Stop()

	if s.tracingManager != nil {
		if err := s.tracingManager.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// requestDeadline bounds request handling. The watch stream is exempt: it
// lives until the client disconnects.
func requestDeadline(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/watch" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	origins := strings.Join(cfg.AllowedOrigins, ", ")
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
