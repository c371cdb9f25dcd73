package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ANSI colors for table output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

const maxCapabilityDisplayWidth = 60

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents in a docker-compose style table",
		Long: `List the agents known to a registry with their status, dependency
resolution counts, endpoints, and last-seen times.

Examples:
  mcp-mesh list                                    # Table of all agents
  mcp-mesh list --json                             # Raw JSON output
  mcp-mesh list --filter hello                     # Filter agents by name pattern
  mcp-mesh list --wide                             # Show tool counts and capabilities
  mcp-mesh list --registry-url http://remote:8000  # Connect to a remote registry`,
		RunE: runListCommand,
	}

	cmd.Flags().String("filter", "", "Filter by name or agent id pattern")
	cmd.Flags().Bool("json", false, "Output in JSON format")
	cmd.Flags().Bool("wide", false, "Show additional columns")
	addRegistryFlags(cmd.Flags())

	return cmd
}

// addRegistryFlags registers the shared registry connection flags.
func addRegistryFlags(fs *pflag.FlagSet) {
	fs.String("registry-url", "", "Registry URL (overrides host/port/scheme)")
	fs.String("registry-host", "", "Registry host (default: localhost)")
	fs.Int("registry-port", 0, "Registry port (default: 8000)")
	fs.String("registry-scheme", "", "Registry URL scheme (http/https)")
	fs.Int("timeout", 0, "Connection timeout in seconds")
}

// agentRow is one agent as served by GET /agents.
type agentRow struct {
	AgentID              string     `json:"agent_id"`
	Name                 string     `json:"name"`
	AgentType            string     `json:"agent_type"`
	Namespace            string     `json:"namespace"`
	Status               string     `json:"status"`
	Endpoint             string     `json:"endpoint"`
	Version              string     `json:"version,omitempty"`
	TotalDependencies    int        `json:"total_dependencies"`
	DependenciesResolved int        `json:"dependencies_resolved"`
	LastHeartbeat        *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	Capabilities         []struct {
		Capability   string `json:"capability"`
		FunctionName string `json:"function_name"`
		Version      string `json:"version,omitempty"`
	} `json:"capabilities"`
}

type agentsPage struct {
	Agents    []agentRow `json:"agents"`
	Count     int        `json:"count"`
	Timestamp string     `json:"timestamp"`
}

func runListCommand(cmd *cobra.Command, args []string) error {
	config, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	filterPattern, _ := cmd.Flags().GetString("filter")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	wide, _ := cmd.Flags().GetBool("wide")

	registryURL, client := resolveRegistry(cmd.Flags(), config)

	page, err := fetchAgents(client, registryURL)
	if err != nil {
		return err
	}

	agents := page.Agents
	if filterPattern != "" {
		agents = filterAgents(agents, filterPattern)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })

	if jsonOutput {
		data, err := json.MarshalIndent(agentsPage{Agents: agents, Count: len(agents), Timestamp: page.Timestamp}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Registry: %s - %d agents\n\n", registryURL, len(agents))
	if len(agents) == 0 {
		fmt.Println("No agents found")
		return nil
	}
	printAgentTable(agents, wide)
	return nil
}

// resolveRegistry applies the connection flags over the loaded config and
// returns the final base URL plus an HTTP client with the chosen timeout.
func resolveRegistry(fs *pflag.FlagSet, config *CLIConfig) (string, *http.Client) {
	if raw, _ := fs.GetString("registry-url"); raw != "" {
		if parsed, err := url.Parse(raw); err == nil && parsed.Scheme != "" && parsed.Host != "" {
			return strings.TrimRight(raw, "/"), clientFor(fs, config)
		}
	}

	if host, _ := fs.GetString("registry-host"); host != "" {
		config.RegistryHost = host
	}
	if port, _ := fs.GetInt("registry-port"); port > 0 {
		config.RegistryPort = port
	}
	if scheme, _ := fs.GetString("registry-scheme"); scheme != "" {
		config.RegistryScheme = scheme
	}

	return config.RegistryURL(), clientFor(fs, config)
}

func clientFor(fs *pflag.FlagSet, config *CLIConfig) *http.Client {
	timeout := config.TimeoutSeconds
	if t, _ := fs.GetInt("timeout"); t > 0 {
		timeout = t
	}
	return &http.Client{Timeout: time.Duration(timeout) * time.Second}
}

func fetchAgents(client *http.Client, registryURL string) (*agentsPage, error) {
	resp, err := client.Get(registryURL + "/agents")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry at %s: %w", registryURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var page agentsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	return &page, nil
}

func filterAgents(agents []agentRow, pattern string) []agentRow {
	pattern = strings.ToLower(pattern)
	var filtered []agentRow
	for _, agent := range agents {
		if strings.Contains(strings.ToLower(agent.Name), pattern) ||
			strings.Contains(strings.ToLower(agent.AgentID), pattern) {
			filtered = append(filtered, agent)
		}
	}
	return filtered
}

func printAgentTable(agents []agentRow, wide bool) {
	nameWidth, typeWidth, statusWidth, endpointWidth := columnWidths(agents)

	fmt.Printf("%-*s %-*s %-*s %-8s %-*s %-12s", nameWidth, "NAME", typeWidth, "TYPE", statusWidth, "STATUS", "DEPS", endpointWidth, "ENDPOINT", "SINCE")
	if wide {
		fmt.Printf(" %-6s %-*s", "TOOLS", maxCapabilityDisplayWidth, "CAPABILITIES")
	}
	fmt.Println()

	total := nameWidth + typeWidth + statusWidth + endpointWidth + 35
	if wide {
		total += maxCapabilityDisplayWidth + 8
	}
	fmt.Println(strings.Repeat("-", total))

	for _, agent := range agents {
		fmt.Printf("%-*s %-*s", nameWidth, truncate(agent.Name, nameWidth), typeWidth, displayType(agent.AgentType))

		color := statusColor(agent.Status)
		fmt.Printf(" %s%-*s%s", color, statusWidth, agent.Status, colorReset)

		deps := formatDeps(agent.DependenciesResolved, agent.TotalDependencies)
		visual := len(fmt.Sprintf("%d/%d", agent.DependenciesResolved, agent.TotalDependencies))
		fmt.Printf(" %s%s", deps, strings.Repeat(" ", max(8-visual, 0)))

		fmt.Printf(" %-*s %-12s", endpointWidth, truncate(displayEndpoint(agent.Endpoint), endpointWidth), sinceText(agent))

		if wide {
			fmt.Printf(" %-6d %-*s", len(agent.Capabilities), maxCapabilityDisplayWidth, truncate(capabilitySummary(agent), maxCapabilityDisplayWidth))
		}
		fmt.Println()
	}
}

func columnWidths(agents []agentRow) (nameWidth, typeWidth, statusWidth, endpointWidth int) {
	nameWidth, typeWidth, statusWidth, endpointWidth = 15, 6, 10, 20
	for _, agent := range agents {
		nameWidth = max(nameWidth, len(agent.Name))
		typeWidth = max(typeWidth, len(displayType(agent.AgentType)))
		statusWidth = max(statusWidth, len(agent.Status))
		endpointWidth = max(endpointWidth, len(displayEndpoint(agent.Endpoint)))
	}
	return nameWidth + 2, typeWidth + 2, statusWidth + 2, endpointWidth + 2
}

func displayType(agentType string) string {
	switch agentType {
	case "mcp_agent", "decorator_agent":
		return "Agent"
	case "mesh_tool":
		return "Tool"
	case "api":
		return "API"
	default:
		return agentType
	}
}

func statusColor(status string) string {
	switch strings.ToLower(status) {
	case "healthy":
		return colorGreen
	case "degraded", "pending":
		return colorYellow
	case "expired", "offline", "unhealthy":
		return colorRed
	default:
		return colorReset
	}
}

func formatDeps(resolved, total int) string {
	color := colorGreen
	if resolved < total {
		color = colorYellow
		if resolved == 0 {
			color = colorRed
		}
	}
	return fmt.Sprintf("%s%d/%d%s", color, resolved, total, colorReset)
}

func displayEndpoint(endpoint string) string {
	if endpoint == "" {
		return "-"
	}
	if strings.HasPrefix(endpoint, "stdio://") {
		return "stdio"
	}
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

func sinceText(agent agentRow) string {
	since := agent.CreatedAt
	if agent.LastHeartbeat != nil && !agent.LastHeartbeat.IsZero() {
		since = *agent.LastHeartbeat
	}
	if since.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(since))
}

func capabilitySummary(agent agentRow) string {
	if len(agent.Capabilities) == 0 {
		return "-"
	}
	names := make([]string, 0, len(agent.Capabilities))
	for _, capability := range agent.Capabilities {
		names = append(names, capability.Capability)
	}
	return strings.Join(names, ", ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.0fm", d.Minutes())
	case d < 24*time.Hour:
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	default:
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		if hours == 0 {
			return fmt.Sprintf("%dd", days)
		}
		return fmt.Sprintf("%dd%dh", days, hours)
	}
}
