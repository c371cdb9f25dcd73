package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Capability stability levels accepted at registration.
var validStabilities = map[string]bool{
	"stable":     true,
	"beta":       true,
	"alpha":      true,
	"deprecated": true,
}

// AgentRegistrationValidator validates registration payloads before any
// database work happens.
type AgentRegistrationValidator struct {
	agentNamePattern       *regexp.Regexp
	capabilityNamePattern  *regexp.Regexp
	semanticVersionPattern *regexp.Regexp
}

// NewAgentRegistrationValidator creates a new validator instance.
func NewAgentRegistrationValidator() *AgentRegistrationValidator {
	return &AgentRegistrationValidator{
		// Kubernetes-style DNS label names
		agentNamePattern: regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`),
		// Capability names start with a letter
		capabilityNamePattern: regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`),
		// Semantic versions with an optional pre-release tag
		semanticVersionPattern: regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9-]+)?$`),
	}
}

// ValidateAgentRegistration validates an agent registration request.
func (v *AgentRegistrationValidator) ValidateAgentRegistration(req *AgentRegistrationRequest) error {
	if req == nil {
		return ValidationError{Field: "request", Message: "request cannot be nil"}
	}

	if err := v.validateAgentID(req.AgentID); err != nil {
		return err
	}

	if req.Name != "" {
		if err := v.validateAgentName(req.Name); err != nil {
			return err
		}
	}

	if req.Namespace != "" {
		if err := v.validateNamespace(req.Namespace); err != nil {
			return err
		}
	}

	if req.Version != "" {
		if err := v.validateSemanticVersion("version", req.Version); err != nil {
			return err
		}
	}

	if req.HTTPPort < 0 || req.HTTPPort > 65535 {
		return ValidationError{Field: "http_port", Message: "http_port must be between 0 and 65535"}
	}

	for i, tool := range req.Tools {
		if err := v.validateTool(i, tool); err != nil {
			return err
		}
	}

	return v.validateHealthConfig(req)
}

func (v *AgentRegistrationValidator) validateTool(index int, tool ToolRegistration) error {
	if tool.FunctionName == "" {
		return ValidationError{
			Field:   fmt.Sprintf("tools[%d].function_name", index),
			Message: "function_name is required",
		}
	}

	// Empty capability means the tool exposes itself without advertising a
	// capability; nothing more to check.
	if tool.Capability != "" {
		if err := v.validateCapabilityName(tool.Capability); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("tools[%d].capability", index),
				Message: err.Error(),
			}
		}
	}

	if tool.Version != "" {
		if err := v.validateSemanticVersion(fmt.Sprintf("tools[%d].version", index), tool.Version); err != nil {
			return err
		}
	}

	if tool.Stability != "" && !validStabilities[tool.Stability] {
		return ValidationError{
			Field:   fmt.Sprintf("tools[%d].stability", index),
			Message: "stability must be one of: stable, beta, alpha, deprecated",
		}
	}

	for j, dep := range tool.Dependencies {
		if dep.Capability == "" {
			return ValidationError{
				Field:   fmt.Sprintf("tools[%d].dependencies[%d].capability", index, j),
				Message: "capability is required",
			}
		}
		if err := v.validateCapabilityName(dep.Capability); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("tools[%d].dependencies[%d].capability", index, j),
				Message: err.Error(),
			}
		}
		if dep.Namespace != "" {
			if !v.agentNamePattern.MatchString(dep.Namespace) {
				return ValidationError{
					Field:   fmt.Sprintf("tools[%d].dependencies[%d].namespace", index, j),
					Message: "namespace must contain only lowercase alphanumeric characters and hyphens",
				}
			}
		}
	}

	return nil
}

func (v *AgentRegistrationValidator) validateAgentID(agentID string) error {
	if agentID == "" {
		return ValidationError{Field: "agent_id", Message: "agent_id is required"}
	}

	if len(agentID) > 253 {
		return ValidationError{Field: "agent_id", Message: "agent_id cannot exceed 253 characters"}
	}

	normalized := normalizeName(agentID)
	if !v.agentNamePattern.MatchString(normalized) {
		return ValidationError{
			Field:   "agent_id",
			Message: "agent_id must contain only lowercase alphanumeric characters and hyphens",
		}
	}

	return nil
}

func (v *AgentRegistrationValidator) validateAgentName(name string) error {
	if len(name) > 63 {
		return ValidationError{Field: "name", Message: "name cannot exceed 63 characters"}
	}

	normalized := normalizeName(name)
	if !v.agentNamePattern.MatchString(normalized) {
		return ValidationError{
			Field:   "name",
			Message: "name must contain only lowercase alphanumeric characters and hyphens",
		}
	}

	return nil
}

func (v *AgentRegistrationValidator) validateNamespace(namespace string) error {
	if len(namespace) > 63 {
		return ValidationError{Field: "namespace", Message: "namespace cannot exceed 63 characters"}
	}

	if !v.agentNamePattern.MatchString(namespace) {
		return ValidationError{
			Field:   "namespace",
			Message: "namespace must contain only lowercase alphanumeric characters and hyphens",
		}
	}

	return nil
}

func (v *AgentRegistrationValidator) validateCapabilityName(name string) error {
	if name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}

	if len(name) > 100 {
		return fmt.Errorf("capability name cannot exceed 100 characters")
	}

	if !v.capabilityNamePattern.MatchString(name) {
		return fmt.Errorf("capability name must start with a letter and contain only letters, numbers, underscores, and hyphens")
	}

	return nil
}

func (v *AgentRegistrationValidator) validateSemanticVersion(field, version string) error {
	if !v.semanticVersionPattern.MatchString(version) {
		return ValidationError{
			Field:   field,
			Message: "version must follow semantic versioning format (e.g., '1.0.0' or '1.0.0-alpha')",
		}
	}

	return nil
}

func (v *AgentRegistrationValidator) validateHealthConfig(req *AgentRegistrationRequest) error {
	if req.HealthInterval != 0 && (req.HealthInterval < 1 || req.HealthInterval > 3600) {
		return ValidationError{
			Field:   "health_interval",
			Message: "health_interval must be between 1 and 3600 seconds",
		}
	}

	if req.TimeoutThreshold != 0 && (req.TimeoutThreshold < 1 || req.TimeoutThreshold > 7200) {
		return ValidationError{
			Field:   "timeout_threshold",
			Message: "timeout_threshold must be between 1 and 7200 seconds",
		}
	}

	if req.EvictionThreshold != 0 && (req.EvictionThreshold < 1 || req.EvictionThreshold > 14400) {
		return ValidationError{
			Field:   "eviction_threshold",
			Message: "eviction_threshold must be between 1 and 14400 seconds",
		}
	}

	if req.TimeoutThreshold != 0 && req.EvictionThreshold != 0 && req.EvictionThreshold <= req.TimeoutThreshold {
		return ValidationError{
			Field:   "eviction_threshold",
			Message: "eviction_threshold must exceed timeout_threshold",
		}
	}

	return nil
}

// normalizeName lowercases a name and replaces underscores so that ids
// generated from function-style names pass DNS label validation.
func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// ParseLabelSelector parses "k=v,k2=v2" into a map. Malformed selectors are
// a validation error (HTTP 400), never silently ignored.
func ParseLabelSelector(selector string) (map[string]string, error) {
	labels := make(map[string]string)
	if strings.TrimSpace(selector) == "" {
		return labels, nil
	}

	for _, pair := range strings.Split(selector, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			return nil, fmt.Errorf("label selector contains an empty clause")
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("malformed label selector clause %q (expected key=value)", pair)
		}
		labels[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	return labels, nil
}
