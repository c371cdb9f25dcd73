package registry

import (
	"encoding/json"
	"time"
)

// AgentRegistrationRequest is the flattened payload accepted by
// POST /agents/heartbeat for both registration and refresh.
type AgentRegistrationRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	AgentType string `json:"agent_type,omitempty"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	HTTPHost  string `json:"http_host,omitempty"`
	HTTPPort  int    `json:"http_port,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`

	// Persisted verbatim; the registry never interprets these.
	SecurityRequirements  json.RawMessage `json:"security_requirements,omitempty"`
	PerformanceProfile    json.RawMessage `json:"performance_profile,omitempty"`
	CompatibilityVersions json.RawMessage `json:"compatibility_versions,omitempty"`

	// Per-agent health overrides; zero means "use registry defaults".
	HealthInterval    int `json:"health_interval,omitempty"`
	TimeoutThreshold  int `json:"timeout_threshold,omitempty"`
	EvictionThreshold int `json:"eviction_threshold,omitempty"`

	Tools []ToolRegistration `json:"tools,omitempty"`
}

// ToolRegistration describes one function an agent exposes.
type ToolRegistration struct {
	FunctionName string          `json:"function_name" binding:"required"`
	Capability   string          `json:"capability,omitempty"`
	Version      string          `json:"version,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category,omitempty"`
	Stability    string          `json:"stability,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`

	Dependencies []DependencySpec `json:"dependencies,omitempty"`
	LLMFilter    *LLMFilter       `json:"llm_filter,omitempty"`
}

// DependencySpec is one declared dependency of a tool. Order in the
// declaring slice is significant: clients address resolutions by position.
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
	FilterMode string           `json:"filter_mode,omitempty"` // "all" (default), "best_match", "*"
}

// DependencyResolution is one resolved (or unavailable) dependency slot.
// Kwargs are echoed verbatim from the consumer's declaration so proxies can
// apply per-call options without a second lookup.
type DependencyResolution struct {
	AgentID      string                 `json:"agent_id"`
	FunctionName string                 `json:"function_name"`
	Endpoint     string                 `json:"endpoint"`
	Capability   string                 `json:"capability"`
	Status       string                 `json:"status"`
	Kwargs       map[string]interface{} `json:"kwargs,omitempty"`
}

// Resolution statuses.
const (
	ResolutionAvailable   = "available"
	ResolutionUnavailable = "unavailable"
)

// HeartbeatResponse is the body of POST /agents/heartbeat.
type HeartbeatResponse struct {
	Status               string                             `json:"status"`
	Timestamp            string                             `json:"timestamp"`
	Message              string                             `json:"message"`
	AgentID              string                             `json:"agent_id,omitempty"`
	ResourceVersion      string                             `json:"resource_version,omitempty"`
	DependenciesResolved map[string][]*DependencyResolution `json:"dependencies_resolved,omitempty"`
	LLMToolsResolved     map[string][]*DependencyResolution `json:"llm_tools_resolved,omitempty"`
}

// AgentQueryParams are the GET /agents filters. Unknown query parameters
// are ignored by the binder, which the contract requires.
type AgentQueryParams struct {
	Namespace           string   `form:"namespace"`
	Status              string   `form:"status"`
	Capabilities        []string `form:"capability"`
	CapabilityCategory  string   `form:"capability_category"`
	CapabilityStability string   `form:"capability_stability"`
	CapabilityTags      string   `form:"capability_tags"` // csv
	LabelSelector       string   `form:"label_selector"`  // k=v,k2=v2
	VersionConstraint   string   `form:"version_constraint"`
	FuzzyMatch          bool     `form:"fuzzy_match"`
}

// CapabilityQueryParams are the GET /capabilities filters.
type CapabilityQueryParams struct {
	Name                string `form:"name"`
	DescriptionContains string `form:"description_contains"`
	Category            string `form:"category"`
	Tags                string `form:"tags"` // csv
	Stability           string `form:"stability"`
	VersionConstraint   string `form:"version_constraint"`
	FuzzyMatch          bool   `form:"fuzzy_match"`
	IncludeDeprecated   bool   `form:"include_deprecated"`
	AgentNamespace      string `form:"agent_namespace"`
	AgentStatus         string `form:"agent_status"`
}

// CapabilityInfo is one tool row in discovery responses.
type CapabilityInfo struct {
	Capability   string   `json:"capability"`
	FunctionName string   `json:"function_name"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category,omitempty"`
	Stability    string   `json:"stability,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// AgentInfo is one agent in discovery responses.
type AgentInfo struct {
	AgentID              string            `json:"agent_id"`
	AgentType            string            `json:"agent_type"`
	Name                 string            `json:"name"`
	Namespace            string            `json:"namespace"`
	Endpoint             string            `json:"endpoint"`
	Status               string            `json:"status"`
	Version              string            `json:"version,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
	Capabilities         []CapabilityInfo  `json:"capabilities"`
	TotalDependencies    int               `json:"total_dependencies"`
	DependenciesResolved int               `json:"dependencies_resolved"`
	LastHeartbeat        *time.Time        `json:"last_heartbeat,omitempty"`
	ResourceVersion      string            `json:"resource_version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// AgentsResponse is the body of GET /agents.
type AgentsResponse struct {
	Agents    []AgentInfo `json:"agents"`
	Count     int         `json:"count"`
	Timestamp string      `json:"timestamp"`
}

// CapabilityRecord is one entry of GET /capabilities: a capability plus its
// owning agent.
type CapabilityRecord struct {
	CapabilityInfo
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	AgentNamespace string `json:"agent_namespace"`
	AgentStatus    string `json:"agent_status"`
	Endpoint       string `json:"endpoint"`
}

// CapabilitiesResponse is the body of GET /capabilities.
type CapabilitiesResponse struct {
	Capabilities []CapabilityRecord `json:"capabilities"`
	Count        int                `json:"count"`
	Timestamp    string             `json:"timestamp"`
}

// AgentHealthResponse is the body of GET /health/{agent_id}.
type AgentHealthResponse struct {
	AgentID            string     `json:"agent_id"`
	Status             string     `json:"status"`
	LastHeartbeat      *time.Time `json:"last_heartbeat"`
	TimeSinceHeartbeat *float64   `json:"time_since_heartbeat"` // seconds
	TimeoutThreshold   int        `json:"timeout_threshold"`
	EvictionThreshold  int        `json:"eviction_threshold"`
	IsExpired          bool       `json:"is_expired"`
	Message            string     `json:"message"`
}

// HealthResponse is the body of GET /health (registry self-health).
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	UptimeSeconds int       `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
	Service       string    `json:"service"`
}

// RootResponse is the body of GET /.
type RootResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Status    string   `json:"status"`
	Endpoints []string `json:"endpoints"`
}

// ErrorResponse is the error body shared by all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WatchEvent is one record on the GET /watch stream.
type WatchEvent struct {
	Type            string          `json:"type"`
	Object          json.RawMessage `json:"object"`
	ResourceVersion string          `json:"resource_version"`
}
