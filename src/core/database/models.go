package database

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JSON helper functions for marshaling/unmarshaling string columns.
func marshalJSON(v interface{}) string {
	if v == nil {
		return "{}"
	}
	if bytes, err := json.Marshal(v); err == nil {
		return string(bytes)
	}
	return "{}"
}

func marshalJSONArray(v interface{}) string {
	if v == nil {
		return "[]"
	}
	if bytes, err := json.Marshal(v); err == nil {
		return string(bytes)
	}
	return "[]"
}

func unmarshalJSON(data string, v interface{}) error {
	if data == "" {
		data = "{}"
	}
	return json.Unmarshal([]byte(data), v)
}

func unmarshalJSONArray(data string, v interface{}) error {
	if data == "" {
		data = "[]"
	}
	return json.Unmarshal([]byte(data), v)
}

// Agent represents one row of the agents table.
type Agent struct {
	ID        string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	HTTPHost  string `json:"http_host"`
	HTTPPort  int    `json:"http_port"`
	Namespace string `json:"namespace"`
	Status    string `json:"status"`

	// Kubernetes-style metadata (stored as JSON strings)
	Labels      string `json:"labels"`
	Annotations string `json:"annotations"`

	// Registration metadata persisted verbatim, never interpreted
	SecurityRequirements  *string `json:"security_requirements"`
	PerformanceProfile    *string `json:"performance_profile"`
	CompatibilityVersions *string `json:"compatibility_versions"`

	// Dependency tracking (computed at registration)
	TotalDependencies    int `json:"total_dependencies"`
	DependenciesResolved int `json:"dependencies_resolved"`

	// Health configuration; zero thresholds mean "use registry defaults"
	HealthInterval    int `json:"health_interval"`
	TimeoutThreshold  int `json:"timeout_threshold"`
	EvictionThreshold int `json:"eviction_threshold"`

	// Timestamps and versioning
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResourceVersion string     `json:"resource_version"`
	LastHeartbeat   *time.Time `json:"last_heartbeat"`

	// Stamped on every full POST heartbeat; the fast HEAD path compares
	// registry events against it to decide between 200 and 202.
	LastFullRefresh *time.Time `json:"last_full_refresh"`
}

// Agent status values.
const (
	AgentStatusPending  = "pending"
	AgentStatusHealthy  = "healthy"
	AgentStatusDegraded = "degraded"
	AgentStatusExpired  = "expired"
	AgentStatusOffline  = "offline"
)

// PrepareForInsert sets timestamps and resource version for new agents.
func (a *Agent) PrepareForInsert() {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.ResourceVersion == "" {
		a.ResourceVersion = NextResourceVersion("")
	}
	if a.Status == "" {
		a.Status = AgentStatusPending
	}
	if a.Namespace == "" {
		a.Namespace = "default"
	}
	if a.AgentType == "" {
		a.AgentType = "mcp_agent"
	}
}

// PrepareForUpdate advances the updated timestamp and resource version.
func (a *Agent) PrepareForUpdate() {
	a.UpdatedAt = time.Now().UTC()
	a.ResourceVersion = NextResourceVersion(a.ResourceVersion)
}

// Endpoint derives the advertised base URL. Agents registered without an
// HTTP port run over stdio and are addressed by id.
func (a *Agent) Endpoint() string {
	if a.HTTPHost != "" && a.HTTPPort > 0 {
		return fmt.Sprintf("http://%s:%d", a.HTTPHost, a.HTTPPort)
	}
	return fmt.Sprintf("stdio://%s", a.ID)
}

// LabelMap decodes the labels JSON column.
func (a *Agent) LabelMap() map[string]string {
	labels := make(map[string]string)
	unmarshalJSON(a.Labels, &labels)
	return labels
}

// Capability represents one row of the capabilities table. Each row is one
// tool an agent exposes; the capability column is the name other agents
// resolve against.
type Capability struct {
	ID           int64   `json:"id"`
	AgentID      string  `json:"agent_id"`
	FunctionName string  `json:"function_name"`
	Capability   string  `json:"capability"`
	Version      string  `json:"version"`
	Description  *string `json:"description"`
	Category     *string `json:"category"`
	Stability    string  `json:"stability"`
	Tags         string  `json:"tags"`         // JSON array string
	InputSchema  *string `json:"input_schema"` // JSON string, stored verbatim
	Dependencies string  `json:"dependencies"` // JSON array string

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TagList decodes the tags JSON column.
func (c *Capability) TagList() []string {
	var tags []string
	unmarshalJSONArray(c.Tags, &tags)
	return tags
}

// HealthEvent represents one row of the health_events table, recording a
// single status transition.
type HealthEvent struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Source    string    `json:"source"` // "heartbeat", "timeout", "register", "unregister"
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"` // JSON string
}

// RegistryEvent represents one row of the registry_events table. The data
// column holds a JSON snapshot of the agent at event time for watch replay.
type RegistryEvent struct {
	ID              int64     `json:"id"`
	EventType       string    `json:"event_type"`
	AgentID         string    `json:"agent_id"`
	Timestamp       time.Time `json:"timestamp"`
	ResourceVersion string    `json:"resource_version"`
	Data            string    `json:"data"`
}

// Change event types.
const (
	EventTypeAdded    = "ADDED"
	EventTypeModified = "MODIFIED"
	EventTypeDeleted  = "DELETED"
)

// SchemaVersionRow represents the schema_version table.
type SchemaVersionRow struct {
	Version   int       `json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

// NextResourceVersion generates a monotonic resource version. Versions use
// the millisecond epoch; when the clock has not advanced past the previous
// version the counter bumps instead, so versions never repeat or regress.
func NextResourceVersion(prev string) string {
	next := time.Now().UnixMilli()
	if prev != "" {
		if p, err := strconv.ParseInt(prev, 10, 64); err == nil && p >= next {
			next = p + 1
		}
	}
	return strconv.FormatInt(next, 10)
}
