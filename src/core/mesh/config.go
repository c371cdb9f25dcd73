// Package mesh is the agent-side runtime: tool registration, heartbeat,
// dependency resolution, and proxy injection against an agentmesh registry.
package mesh

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the agent runtime settings. Defaults match a local
// registry on :8000; every field has an MCP_MESH_* environment override.
type Config struct {
	AgentName      string // prefix of the generated agent_id
	AgentType      string
	Namespace      string
	Version        string
	HTTPHost       string // binding/advertised host
	HTTPPort       int
	EnableHTTP     bool
	PodIP          string // overrides the advertised host when set
	HealthInterval int    // seconds between heartbeats, minimum 1
	RegistryURL    string
	FastHeartbeat  bool // alternate HEAD checks between full POSTs

	LogLevel  string
	DebugMode bool
}

// LoadConfigFromEnv reads the runtime environment variable table.
func LoadConfigFromEnv() *Config {
	return &Config{
		AgentName:      envString("MCP_MESH_AGENT_NAME", "agent"),
		AgentType:      envString("MCP_MESH_AGENT_TYPE", "mcp_agent"),
		Namespace:      envString("MCP_MESH_NAMESPACE", "default"),
		Version:        envString("MCP_MESH_AGENT_VERSION", "1.0.0"),
		HTTPHost:       envString("MCP_MESH_HTTP_HOST", "0.0.0.0"),
		HTTPPort:       envInt("MCP_MESH_HTTP_PORT", 8080),
		EnableHTTP:     envBool("MCP_MESH_ENABLE_HTTP", true),
		PodIP:          os.Getenv("POD_IP"),
		HealthInterval: envInt("MCP_MESH_HEALTH_INTERVAL", 30),
		RegistryURL:    envString("MCP_MESH_REGISTRY_URL", "http://localhost:8000"),
		FastHeartbeat:  envBool("MCP_MESH_FAST_HEARTBEAT", true),
		LogLevel:       envString("MCP_MESH_LOG_LEVEL", "INFO"),
		DebugMode:      envBool("MCP_MESH_DEBUG_MODE", false),
	}
}

// The mesh config satisfies logger.LevelGate so runtime and registry share
// one logger implementation.

// GetLogLevel returns the configured log level string.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == "" {
		return "INFO"
	}
	return c.LogLevel
}

// IsDebugMode reports whether debug logging is forced on.
func (c *Config) IsDebugMode() bool {
	return c.DebugMode || strings.EqualFold(c.LogLevel, "DEBUG")
}

// ShouldLogAtLevel checks if messages at the given level should be logged.
func (c *Config) ShouldLogAtLevel(level string) bool {
	priority := map[string]int{"DEBUG": 0, "INFO": 1, "WARNING": 2, "ERROR": 3, "CRITICAL": 4}

	current, ok := priority[strings.ToUpper(c.GetLogLevel())]
	if !ok {
		current = 1
	}
	check, ok := priority[strings.ToUpper(level)]
	if !ok {
		return true
	}
	return check >= current
}

// Validate fails fast at startup instead of producing a half-wired agent.
func (c *Config) Validate() error {
	if c.AgentName == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if c.HealthInterval < 1 {
		return fmt.Errorf("health interval must be at least 1 second, got %d", c.HealthInterval)
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("registry URL must not be empty")
	}
	if !strings.HasPrefix(c.RegistryURL, "http://") && !strings.HasPrefix(c.RegistryURL, "https://") {
		return fmt.Errorf("registry URL must start with http:// or https://, got %q", c.RegistryURL)
	}
	if c.EnableHTTP && (c.HTTPPort < 1 || c.HTTPPort > 65535) {
		return fmt.Errorf("http port must be 1-65535, got %d", c.HTTPPort)
	}
	return nil
}

// AdvertisedHost is the host peers should dial: POD_IP wins in container
// environments, then the configured host; a wildcard bind falls back to
// localhost since 0.0.0.0 is not dialable.
func (c *Config) AdvertisedHost() string {
	if c.PodIP != "" {
		return c.PodIP
	}
	if c.HTTPHost == "" || c.HTTPHost == "0.0.0.0" || c.HTTPHost == "::" {
		return "localhost"
	}
	return c.HTTPHost
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
