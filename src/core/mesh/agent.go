package mesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentmesh/src/core/logger"
)

// Agent is one mesh participant: its tool registry, wiring state, and the
// heartbeat loop that keeps both synchronized with the registry.
type Agent struct {
	cfg        *Config
	agentID    string
	endpoint   string
	decorators *DecoratorRegistry
	injector   *DependencyInjector
	depEngine  *RewiringEngine
	llmEngine  *RewiringEngine
	client     *RegistryClient
	heartbeat  *HeartbeatLoop
	logger     *logger.Logger
}

// New builds an agent from config. The agent_id is minted once per process:
// "<name>-<8 hex>", so restarts register as a new identity and the old one
// ages out through the registry's health monitor.
func New(cfg *Config, log *logger.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mesh configuration: %w", err)
	}

	agentID := fmt.Sprintf("%s-%s", cfg.AgentName, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])

	endpoint := fmt.Sprintf("stdio://%s", agentID)
	if cfg.EnableHTTP {
		endpoint = fmt.Sprintf("http://%s:%d", cfg.AdvertisedHost(), cfg.HTTPPort)
	}

	decorators := NewDecoratorRegistry(cfg.AgentName, log)
	injector := NewDependencyInjector(log)

	a := &Agent{
		cfg:        cfg,
		agentID:    agentID,
		endpoint:   endpoint,
		decorators: decorators,
		injector:   injector,
		depEngine:  NewRewiringEngine(agentID, "", decorators, injector, log),
		llmEngine:  NewRewiringEngine(agentID, LLMKeyPrefix, decorators, injector, log),
		client:     NewRegistryClient(cfg.RegistryURL, 0),
		logger:     log,
	}
	a.heartbeat = NewHeartbeatLoop(cfg, a.client, decorators, a.depEngine, a.llmEngine,
		agentID, cfg.AdvertisedHost(), cfg.HTTPPort, log)

	return a, nil
}

// AgentID returns the minted process identity.
func (a *Agent) AgentID() string { return a.agentID }

// Endpoint returns the advertised endpoint peers dial.
func (a *Agent) Endpoint() string { return a.endpoint }

// Injector exposes the wiring state, mainly for tests.
func (a *Agent) Injector() *DependencyInjector { return a.injector }

// Tools exposes the decorator registry.
func (a *Agent) Tools() *DecoratorRegistry { return a.decorators }

// RegisterTool wraps fn as a mesh tool and claims its dependency keys.
func (a *Agent) RegisterTool(fn interface{}, opts ToolOptions) (*Wrapper, error) {
	wrapper, err := a.decorators.RegisterTool(fn, opts)
	if err != nil {
		return nil, err
	}
	a.injector.RegisterFunction(wrapper)
	return wrapper, nil
}

// Start registers with the registry and begins heartbeating. The first
// heartbeat fires synchronously inside the loop goroutine; tools registered
// after Start are picked up on the next tick.
func (a *Agent) Start(ctx context.Context) error {
	if a.decorators.ToolCount() == 0 {
		a.logger.Warning("Agent %s starting with no registered tools", a.agentID)
	}
	a.heartbeat.Start()
	a.logger.Info("Agent %s started (endpoint: %s, registry: %s)", a.agentID, a.endpoint, a.cfg.RegistryURL)
	return nil
}

// Stop halts the heartbeat loop and unregisters from the registry.
// Unregistration is best-effort: a dead registry cannot block shutdown.
func (a *Agent) Stop(ctx context.Context) error {
	if err := a.heartbeat.Stop(ctx); err != nil {
		return err
	}
	if err := a.client.Unregister(ctx, a.agentID); err != nil {
		a.logger.Warning("Failed to unregister %s: %v", a.agentID, err)
	}
	a.logger.Info("Agent %s stopped", a.agentID)
	return nil
}
