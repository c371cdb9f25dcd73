package mesh

import (
	"fmt"
	"sync"
	"time"

	"agentmesh/src/core/logger"
)

// DecoratorRegistry collects the tools one agent process exposes. It is
// built once at startup and assembles the heartbeat payload; each test
// constructs its own instance instead of sharing process globals.
type DecoratorRegistry struct {
	mu sync.Mutex

	agentName string
	tools     []*registeredTool
	byName    map[string]*registeredTool
	logger    *logger.Logger
}

type registeredTool struct {
	options ToolOptions
	funcID  string
	wrapper *Wrapper
}

// NewDecoratorRegistry creates a registry for the named agent. The agent
// name is the default module prefix of func_ids.
func NewDecoratorRegistry(agentName string, log *logger.Logger) *DecoratorRegistry {
	return &DecoratorRegistry{
		agentName: agentName,
		byName:    make(map[string]*registeredTool),
		logger:    log,
	}
}

// RegisterTool wraps fn as a mesh tool. The returned wrapper is live
// immediately; its dependency slots fill as heartbeats resolve.
func (dr *DecoratorRegistry) RegisterTool(fn interface{}, opts ToolOptions) (*Wrapper, error) {
	if opts.FunctionName == "" {
		return nil, fmt.Errorf("tool registration requires a function name")
	}

	module := opts.Module
	if module == "" {
		module = dr.agentName
	}
	funcID := module + "." + opts.FunctionName

	wrapper, err := newWrapper(funcID, opts.FunctionName, fn, len(opts.Dependencies), dr.logger)
	if err != nil {
		return nil, err
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	if _, exists := dr.byName[opts.FunctionName]; exists {
		return nil, fmt.Errorf("tool %q is already registered", opts.FunctionName)
	}

	tool := &registeredTool{options: opts, funcID: funcID, wrapper: wrapper}
	dr.tools = append(dr.tools, tool)
	dr.byName[opts.FunctionName] = tool

	dr.logger.Debug("Registered tool %s (func_id: %s, %d dependencies)",
		opts.FunctionName, funcID, len(opts.Dependencies))
	return wrapper, nil
}

// FuncIDFor resolves a function name to its func_id; rewiring keys are
// derived from func_ids, while registry responses address function names.
func (dr *DecoratorRegistry) FuncIDFor(functionName string) (string, bool) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if tool, ok := dr.byName[functionName]; ok {
		return tool.funcID, true
	}
	return "", false
}

// WrapperFor returns the wrapper registered under functionName.
func (dr *DecoratorRegistry) WrapperFor(functionName string) (*Wrapper, bool) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if tool, ok := dr.byName[functionName]; ok {
		return tool.wrapper, true
	}
	return nil, false
}

// Wrappers returns every registered wrapper in registration order.
func (dr *DecoratorRegistry) Wrappers() []*Wrapper {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	out := make([]*Wrapper, len(dr.tools))
	for i := range dr.tools {
		out[i] = dr.tools[i].wrapper
	}
	return out
}

// ToolCount returns the number of registered tools.
func (dr *DecoratorRegistry) ToolCount() int {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	return len(dr.tools)
}

// buildPayload assembles the flattened heartbeat body.
func (dr *DecoratorRegistry) buildPayload(cfg *Config, agentID, endpointHost string, endpointPort int) *heartbeatPayload {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	payload := &heartbeatPayload{
		AgentID:        agentID,
		AgentType:      cfg.AgentType,
		Name:           cfg.AgentName,
		Version:        cfg.Version,
		Namespace:      cfg.Namespace,
		HealthInterval: cfg.HealthInterval,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Tools:          make([]toolPayload, 0, len(dr.tools)),
	}
	if cfg.EnableHTTP {
		payload.HTTPHost = endpointHost
		payload.HTTPPort = endpointPort
	}

	for _, tool := range dr.tools {
		payload.Tools = append(payload.Tools, toolPayload{
			FunctionName: tool.options.FunctionName,
			Capability:   tool.options.Capability,
			Version:      tool.options.Version,
			Tags:         tool.options.Tags,
			Description:  tool.options.Description,
			Dependencies: tool.options.Dependencies,
			LLMFilter:    tool.options.LLMFilter,
		})
	}
	return payload
}
