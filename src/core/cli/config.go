package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"
)

// CLIConfig holds the operator CLI settings. Resolution order is
// flag > environment > config file > defaults; flags are applied by the
// commands themselves after LoadConfig.
type CLIConfig struct {
	RegistryHost   string `yaml:"registry_host"`
	RegistryPort   int    `yaml:"registry_port"`
	RegistryScheme string `yaml:"registry_scheme"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DefaultConfig returns the built-in CLI defaults.
func DefaultConfig() *CLIConfig {
	return &CLIConfig{
		RegistryHost:   "localhost",
		RegistryPort:   8000,
		RegistryScheme: "http",
		TimeoutSeconds: 10,
	}
}

// configFilePath returns ~/.mcp-mesh/config.yaml, or "" when the home
// directory cannot be determined.
func configFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mcp-mesh", "config.yaml")
}

// LoadConfig builds the effective CLI configuration from defaults, the
// optional config file, and environment variables. A missing config file is
// not an error; a malformed one is.
func LoadConfig() (*CLIConfig, error) {
	config := DefaultConfig()

	if path := configFilePath(); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("malformed CLI config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read CLI config %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvOverrides(config *CLIConfig) {
	if v := os.Getenv("MCP_MESH_REGISTRY_HOST"); v != "" {
		config.RegistryHost = v
	}
	if v := os.Getenv("MCP_MESH_REGISTRY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.RegistryPort = port
		}
	}
	if v := os.Getenv("MCP_MESH_REGISTRY_SCHEME"); v != "" {
		config.RegistryScheme = v
	}
	if v := os.Getenv("MCP_MESH_CLI_TIMEOUT"); v != "" {
		if timeout, err := strconv.Atoi(v); err == nil {
			config.TimeoutSeconds = timeout
		}
	}
}

// Validate checks the effective configuration.
func (c *CLIConfig) Validate() error {
	if c.RegistryHost == "" {
		return fmt.Errorf("registry host must not be empty")
	}
	if c.RegistryPort < 1 || c.RegistryPort > 65535 {
		return fmt.Errorf("invalid registry port: %d", c.RegistryPort)
	}
	if c.RegistryScheme != "http" && c.RegistryScheme != "https" {
		return fmt.Errorf("invalid registry scheme: %q", c.RegistryScheme)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout must be positive: %d", c.TimeoutSeconds)
	}
	return nil
}

// RegistryURL renders the configured registry base URL.
func (c *CLIConfig) RegistryURL() string {
	return fmt.Sprintf("%s://%s:%d", c.RegistryScheme, c.RegistryHost, c.RegistryPort)
}
