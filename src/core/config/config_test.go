package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 30, cfg.HealthCheckInterval)
	assert.Equal(t, 60, cfg.DefaultTimeoutThreshold)
	assert.Equal(t, 120, cfg.DefaultEvictionThreshold)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Database.MaxOpenConnections)
	assert.Equal(t, "agentmesh_registry.db", cfg.Database.DatabaseURL)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MCP_MESH_LOG_LEVEL", "DEBUG")
	t.Setenv("DEFAULT_TIMEOUT_THRESHOLD", "45")
	t.Setenv("DEFAULT_EVICTION_THRESHOLD", "90")
	t.Setenv("ALLOWED_METHODS", "GET,POST")

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 45, cfg.DefaultTimeoutThreshold)
	assert.Equal(t, 90, cfg.DefaultEvictionThreshold)
	assert.Equal(t, []string{"GET", "POST"}, cfg.AllowedMethods)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "zero health check interval",
			mutate:  func(c *Config) { c.HealthCheckInterval = 0 },
			wantErr: "health check interval",
		},
		{
			name:    "negative cache TTL",
			mutate:  func(c *Config) { c.CacheTTL = -1 },
			wantErr: "cache TTL",
		},
		{
			name:    "eviction below timeout",
			mutate:  func(c *Config) { c.DefaultEvictionThreshold = 30 },
			wantErr: "eviction threshold",
		},
		{
			name:    "bogus log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "oversized database pool",
			mutate:  func(c *Config) { c.Database.MaxOpenConnections = 25 },
			wantErr: "pool size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadFromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDebugModeForcesDebugLevel(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.DebugMode = true
	cfg.LogLevel = "INFO"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.IsDebugMode())
}

func TestShouldLogAtLevel(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.LogLevel = "WARNING"

	assert.False(t, cfg.ShouldLogAtLevel("DEBUG"))
	assert.False(t, cfg.ShouldLogAtLevel("INFO"))
	assert.True(t, cfg.ShouldLogAtLevel("WARNING"))
	assert.True(t, cfg.ShouldLogAtLevel("ERROR"))
	assert.True(t, cfg.ShouldLogAtLevel("CRITICAL"))
	assert.False(t, cfg.ShouldLogAtLevel("bogus"))
}

func TestGetHealthConfigurationDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	health, err := cfg.GetHealthConfiguration()
	require.NoError(t, err)

	assert.Equal(t, 30, health.CheckInterval)
	assert.Equal(t, HealthThresholds{TimeoutThreshold: 60, EvictionThreshold: 120}, health.Defaults)

	assert.Equal(t, HealthThresholds{TimeoutThreshold: 90, EvictionThreshold: 180}, health.ThresholdsFor("file-agent"))
	assert.Equal(t, HealthThresholds{TimeoutThreshold: 45, EvictionThreshold: 90}, health.ThresholdsFor("worker"))
	assert.Equal(t, HealthThresholds{TimeoutThreshold: 30, EvictionThreshold: 60}, health.ThresholdsFor("critical"))

	// Unknown types fall back to the defaults
	assert.Equal(t, health.Defaults, health.ThresholdsFor("mcp_agent"))
}

func TestGetHealthConfigurationFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health.yaml")

	content := `
check_interval: 10
defaults:
  timeout_threshold: 20
  eviction_threshold: 40
agent_types:
  gpu-worker:
    timeout_threshold: 15
    eviction_threshold: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("MCP_MESH_HEALTH_CONFIG", path)

	cfg := LoadFromEnv()
	health, err := cfg.GetHealthConfiguration()
	require.NoError(t, err)

	assert.Equal(t, 10, health.CheckInterval)
	assert.Equal(t, HealthThresholds{TimeoutThreshold: 20, EvictionThreshold: 40}, health.Defaults)
	assert.Equal(t, HealthThresholds{TimeoutThreshold: 15, EvictionThreshold: 30}, health.ThresholdsFor("gpu-worker"))

	// The file's agent_types table replaces the built-in one
	assert.Equal(t, health.Defaults, health.ThresholdsFor("file-agent"))
}

func TestGetHealthConfigurationRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health.yaml")

	content := `
agent_types:
  broken:
    timeout_threshold: 100
    eviction_threshold: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("MCP_MESH_HEALTH_CONFIG", path)

	cfg := LoadFromEnv()
	_, err := cfg.GetHealthConfiguration()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid thresholds")
}

func TestGetHealthConfigurationMissingFile(t *testing.T) {
	t.Setenv("MCP_MESH_HEALTH_CONFIG", "/nonexistent/health.yaml")

	cfg := LoadFromEnv()
	_, err := cfg.GetHealthConfiguration()
	require.Error(t, err)
}
