package mesh

import "encoding/json"

// DependencySpec declares one dependency of a tool. Slice order is the
// wire contract: resolutions come back addressed by position.
type DependencySpec struct {
	Capability string                 `json:"capability"`
	Tags       []string               `json:"tags,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Namespace  string                 `json:"namespace,omitempty"`
	Kwargs     map[string]interface{} `json:"kwargs,omitempty"`
}

// LLMFilter selects provider tools for the llm_tools_resolved channel.
type LLMFilter struct {
	Filter     []DependencySpec `json:"filter,omitempty"`
	FilterMode string           `json:"filter_mode,omitempty"`
}

// ToolOptions configures one tool at registration time.
type ToolOptions struct {
	FunctionName string
	Capability   string
	Version      string
	Tags         []string
	Description  string

	// Module defaults to the agent name; func_id is "<module>.<function_name>".
	Module string

	Dependencies []DependencySpec
	LLMFilter    *LLMFilter
}

// toolPayload is the per-tool section of the heartbeat payload.
type toolPayload struct {
	FunctionName string           `json:"function_name"`
	Capability   string           `json:"capability,omitempty"`
	Version      string           `json:"version,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Description  string           `json:"description,omitempty"`
	Dependencies []DependencySpec `json:"dependencies,omitempty"`
	LLMFilter    *LLMFilter       `json:"llm_filter,omitempty"`
}

// heartbeatPayload is the flattened registration schema POSTed to
// /agents/heartbeat.
type heartbeatPayload struct {
	AgentID        string        `json:"agent_id"`
	AgentType      string        `json:"agent_type,omitempty"`
	Name           string        `json:"name,omitempty"`
	Version        string        `json:"version,omitempty"`
	HTTPHost       string        `json:"http_host,omitempty"`
	HTTPPort       int           `json:"http_port,omitempty"`
	Timestamp      string        `json:"timestamp,omitempty"`
	Namespace      string        `json:"namespace,omitempty"`
	HealthInterval int           `json:"health_interval,omitempty"`
	Tools          []toolPayload `json:"tools"`
}

// DependencyResolution is one resolved (or unavailable) dependency slot as
// returned by the registry.
type DependencyResolution struct {
	AgentID      string                 `json:"agent_id"`
	FunctionName string                 `json:"function_name"`
	Endpoint     string                 `json:"endpoint"`
	Capability   string                 `json:"capability"`
	Status       string                 `json:"status"`
	Kwargs       map[string]interface{} `json:"kwargs,omitempty"`
}

// Available reports whether the slot can be wired.
func (r *DependencyResolution) Available() bool {
	return r.Status == "available" && r.Endpoint != "" && r.FunctionName != ""
}

// heartbeatResponse is the 2xx body of POST /agents/heartbeat. Both maps
// use json.RawMessage presence detection: an absent key and an empty map
// mean different things to the rewiring engine.
type heartbeatResponse struct {
	Status               string                             `json:"status"`
	AgentID              string                             `json:"agent_id,omitempty"`
	ResourceVersion      string                             `json:"resource_version,omitempty"`
	DependenciesResolved map[string][]DependencyResolution  `json:"dependencies_resolved"`
	LLMToolsResolved     map[string][]DependencyResolution  `json:"llm_tools_resolved"`
	raw                  map[string]json.RawMessage         `json:"-"`
}

// hasField reports whether the response body carried the named key at all.
func (hr *heartbeatResponse) hasField(name string) bool {
	_, ok := hr.raw[name]
	return ok
}
