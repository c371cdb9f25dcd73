package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"agentmesh/src/core/database"
)

// Config holds all configuration for the agentmesh registry daemon.
type Config struct {
	// Server configuration
	Host string `env:"HOST" envDefault:"localhost"`
	Port int    `env:"PORT" envDefault:"8000"`

	// Database configuration
	Database *database.Config

	// Registry configuration
	RegistryName        string `env:"REGISTRY_NAME" envDefault:"agentmesh-registry"`
	HealthCheckInterval int    `env:"HEALTH_CHECK_INTERVAL" envDefault:"30"`

	// Cache configuration
	CacheTTL            int  `env:"CACHE_TTL" envDefault:"30"` // seconds
	EnableResponseCache bool `env:"ENABLE_RESPONSE_CACHE" envDefault:"true"`

	// Health monitoring configuration
	DefaultTimeoutThreshold  int    `env:"DEFAULT_TIMEOUT_THRESHOLD" envDefault:"60"`   // seconds
	DefaultEvictionThreshold int    `env:"DEFAULT_EVICTION_THRESHOLD" envDefault:"120"` // seconds
	HealthConfigFile         string `env:"MCP_MESH_HEALTH_CONFIG" envDefault:""`

	// Event stream configuration
	RedisURL string `env:"REDIS_URL" envDefault:""`

	// CORS configuration
	EnableCORS     bool     `env:"ENABLE_CORS" envDefault:"true"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*"`
	AllowedMethods []string `env:"ALLOWED_METHODS" envDefault:"GET,POST,DELETE,HEAD,OPTIONS"`
	AllowedHeaders []string `env:"ALLOWED_HEADERS" envDefault:"*"`

	// Logging configuration
	LogLevel  string `env:"MCP_MESH_LOG_LEVEL" envDefault:"INFO"`
	DebugMode bool   `env:"MCP_MESH_DEBUG_MODE" envDefault:"false"`
	AccessLog bool   `env:"ACCESS_LOG" envDefault:"true"`

	// Feature flags
	EnableMetrics    bool `env:"ENABLE_METRICS" envDefault:"true"`
	EnablePrometheus bool `env:"ENABLE_PROMETHEUS" envDefault:"true"`
	EnableEvents     bool `env:"ENABLE_EVENTS" envDefault:"true"`
	TracingEnabled   bool `env:"MCP_MESH_DISTRIBUTED_TRACING_ENABLED" envDefault:"false"`
}

// HealthThresholds holds the two reaper deadlines for one agent type.
type HealthThresholds struct {
	TimeoutThreshold  int `yaml:"timeout_threshold" json:"timeout_threshold"`
	EvictionThreshold int `yaml:"eviction_threshold" json:"eviction_threshold"`
}

// HealthConfiguration is the reaper configuration: global defaults plus
// per-agent-type overrides.
type HealthConfiguration struct {
	CheckInterval int                         `yaml:"check_interval" json:"check_interval"`
	Defaults      HealthThresholds            `yaml:"defaults" json:"defaults"`
	AgentTypes    map[string]HealthThresholds `yaml:"agent_types" json:"agent_types"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	config := &Config{
		Host:                     getEnvString("HOST", "localhost"),
		Port:                     getEnvInt("PORT", 8000),
		RegistryName:             getEnvString("REGISTRY_NAME", "agentmesh-registry"),
		HealthCheckInterval:      getEnvInt("HEALTH_CHECK_INTERVAL", 30),
		CacheTTL:                 getEnvInt("CACHE_TTL", 30),
		EnableResponseCache:      getEnvBool("ENABLE_RESPONSE_CACHE", true),
		DefaultTimeoutThreshold:  getEnvInt("DEFAULT_TIMEOUT_THRESHOLD", 60),
		DefaultEvictionThreshold: getEnvInt("DEFAULT_EVICTION_THRESHOLD", 120),
		HealthConfigFile:         getEnvString("MCP_MESH_HEALTH_CONFIG", ""),
		RedisURL:                 getEnvString("REDIS_URL", ""),
		EnableCORS:               getEnvBool("ENABLE_CORS", true),
		AllowedOrigins:           getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),
		AllowedMethods:           getEnvStringSlice("ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"}),
		AllowedHeaders:           getEnvStringSlice("ALLOWED_HEADERS", []string{"*"}),
		LogLevel:                 getEnvString("MCP_MESH_LOG_LEVEL", "INFO"),
		DebugMode:                getEnvBool("MCP_MESH_DEBUG_MODE", false),
		AccessLog:                getEnvBool("ACCESS_LOG", true),
		EnableMetrics:            getEnvBool("ENABLE_METRICS", true),
		EnablePrometheus:         getEnvBool("ENABLE_PROMETHEUS", true),
		EnableEvents:             getEnvBool("ENABLE_EVENTS", true),
		TracingEnabled:           getEnvBool("MCP_MESH_DISTRIBUTED_TRACING_ENABLED", false),
	}

	config.Database = &database.Config{
		DatabaseURL:        getEnvString("DATABASE_URL", "agentmesh_registry.db"),
		ConnectionTimeout:  getEnvInt("DB_CONNECTION_TIMEOUT", 30),
		BusyTimeout:        getEnvInt("DB_BUSY_TIMEOUT", 5000),
		JournalMode:        getEnvString("DB_JOURNAL_MODE", "WAL"),
		Synchronous:        getEnvString("DB_SYNCHRONOUS", "NORMAL"),
		CacheSize:          getEnvInt("DB_CACHE_SIZE", 10000),
		EnableForeignKeys:  getEnvBool("DB_ENABLE_FOREIGN_KEYS", true),
		MaxOpenConnections: getEnvInt("DB_MAX_OPEN_CONNECTIONS", 10),
		MaxIdleConnections: getEnvInt("DB_MAX_IDLE_CONNECTIONS", 5),
		ConnMaxLifetime:    getEnvInt("DB_CONN_MAX_LIFETIME", 300),
	}

	return config
}

// Validate ensures configuration is valid. Called once at startup; any
// error here is fatal.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.HealthCheckInterval < 1 {
		return fmt.Errorf("health check interval must be positive: %d", c.HealthCheckInterval)
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must be non-negative: %d", c.CacheTTL)
	}

	if c.DefaultTimeoutThreshold < 1 {
		return fmt.Errorf("timeout threshold must be positive: %d", c.DefaultTimeoutThreshold)
	}

	if c.DefaultEvictionThreshold <= c.DefaultTimeoutThreshold {
		return fmt.Errorf("eviction threshold (%d) must exceed timeout threshold (%d)",
			c.DefaultEvictionThreshold, c.DefaultTimeoutThreshold)
	}

	// Validate log level (case insensitive)
	validLogLevels := map[string]bool{
		"DEBUG":    true,
		"INFO":     true,
		"WARNING":  true,
		"ERROR":    true,
		"CRITICAL": true,
	}
	upperLogLevel := strings.ToUpper(c.LogLevel)
	if !validLogLevels[upperLogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: DEBUG, INFO, WARNING, ERROR, CRITICAL)", c.LogLevel)
	}

	// If debug mode is enabled, force log level to DEBUG
	if c.DebugMode {
		c.LogLevel = "DEBUG"
	}

	if c.MaxDatabaseConnections() > 10 {
		return fmt.Errorf("database pool size %d exceeds the supported maximum of 10", c.MaxDatabaseConnections())
	}

	return nil
}

// GetDatabaseURL returns the database URL with proper formatting
func (c *Config) GetDatabaseURL() string {
	return c.Database.DatabaseURL
}

// MaxDatabaseConnections returns the configured pool cap.
func (c *Config) MaxDatabaseConnections() int {
	if c.Database == nil {
		return 0
	}
	return c.Database.MaxOpenConnections
}

// IsProduction determines if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(getEnvString("ENVIRONMENT", "development"))
	return env == "production" || env == "prod"
}

// IsDevelopment determines if running in development mode
func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// IsDebugMode determines if debug mode is enabled
func (c *Config) IsDebugMode() bool {
	return c.DebugMode || strings.ToUpper(c.LogLevel) == "DEBUG"
}

// GetLogLevel returns the configured log level string.
func (c *Config) GetLogLevel() string {
	return c.LogLevel
}

// ShouldLogAtLevel checks if messages at the given level should be logged
func (c *Config) ShouldLogAtLevel(level string) bool {
	levelPriority := map[string]int{
		"DEBUG":    0,
		"INFO":     1,
		"WARNING":  2,
		"ERROR":    3,
		"CRITICAL": 4,
	}

	currentLevel := strings.ToUpper(c.LogLevel)
	checkLevel := strings.ToUpper(level)

	currentPriority, exists := levelPriority[currentLevel]
	if !exists {
		currentPriority = 1 // Default to INFO
	}

	checkPriority, exists := levelPriority[checkLevel]
	if !exists {
		return false
	}

	return checkPriority >= currentPriority
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// builtinAgentTypeThresholds is the per-agent-type threshold table used when
// no override file is configured.
func builtinAgentTypeThresholds() map[string]HealthThresholds {
	return map[string]HealthThresholds{
		"file-agent": {TimeoutThreshold: 90, EvictionThreshold: 180},
		"worker":     {TimeoutThreshold: 45, EvictionThreshold: 90},
		"critical":   {TimeoutThreshold: 30, EvictionThreshold: 60},
	}
}

// GetHealthConfiguration returns the reaper configuration. When
// MCP_MESH_HEALTH_CONFIG names a YAML file, its agent_types table replaces
// the built-in one; defaults still come from the environment unless the file
// overrides them.
func (c *Config) GetHealthConfiguration() (*HealthConfiguration, error) {
	health := &HealthConfiguration{
		CheckInterval: c.HealthCheckInterval,
		Defaults: HealthThresholds{
			TimeoutThreshold:  c.DefaultTimeoutThreshold,
			EvictionThreshold: c.DefaultEvictionThreshold,
		},
		AgentTypes: builtinAgentTypeThresholds(),
	}

	if c.HealthConfigFile == "" {
		return health, nil
	}

	data, err := os.ReadFile(c.HealthConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read health config %s: %w", c.HealthConfigFile, err)
	}

	var fileConfig HealthConfiguration
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse health config %s: %w", c.HealthConfigFile, err)
	}

	if fileConfig.CheckInterval > 0 {
		health.CheckInterval = fileConfig.CheckInterval
	}
	if fileConfig.Defaults.TimeoutThreshold > 0 {
		health.Defaults.TimeoutThreshold = fileConfig.Defaults.TimeoutThreshold
	}
	if fileConfig.Defaults.EvictionThreshold > 0 {
		health.Defaults.EvictionThreshold = fileConfig.Defaults.EvictionThreshold
	}
	if len(fileConfig.AgentTypes) > 0 {
		health.AgentTypes = fileConfig.AgentTypes
	}

	if health.Defaults.EvictionThreshold <= health.Defaults.TimeoutThreshold {
		return nil, fmt.Errorf("health config: eviction threshold (%d) must exceed timeout threshold (%d)",
			health.Defaults.EvictionThreshold, health.Defaults.TimeoutThreshold)
	}
	for agentType, thresholds := range health.AgentTypes {
		if thresholds.TimeoutThreshold < 1 || thresholds.EvictionThreshold <= thresholds.TimeoutThreshold {
			return nil, fmt.Errorf("health config: invalid thresholds for agent type %q", agentType)
		}
	}

	return health, nil
}

// ThresholdsFor resolves the reaper deadlines for one agent type.
func (h *HealthConfiguration) ThresholdsFor(agentType string) HealthThresholds {
	if t, ok := h.AgentTypes[agentType]; ok {
		return t
	}
	return h.Defaults
}
