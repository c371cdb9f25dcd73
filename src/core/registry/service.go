package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
)

// Service owns the canonical view of all agents. Every mutation of
// persistent state funnels through here; handlers only translate HTTP to
// service calls and error kinds to status codes.
type Service struct {
	store        *Store
	matcher      *Matcher
	resolver     *DependencyResolver
	validator    *AgentRegistrationValidator
	cache        *ResponseCache
	events       *EventHub
	metrics      *Metrics
	healthConfig *config.HealthConfiguration
	logger       *logger.Logger
}

// NewService wires the service from an initialized database.
func NewService(db *database.Database, cfg *config.Config, healthConfig *config.HealthConfiguration, events *EventHub, log *logger.Logger) *Service {
	store := NewStore(db, log)
	matcher := NewMatcher(log)

	s := &Service{
		store:        store,
		matcher:      matcher,
		resolver:     NewDependencyResolver(matcher, log),
		validator:    NewAgentRegistrationValidator(),
		cache:        NewResponseCache(cfg.CacheTTL, cfg.EnableResponseCache),
		events:       events,
		healthConfig: healthConfig,
		logger:       log,
	}
	s.metrics = NewMetrics(events.WatcherCount, s.agentGauges)
	return s
}

// Metrics exposes the counters for the HTTP layer.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Heartbeat is the unified register/heartbeat operation behind
// POST /agents/heartbeat. Unknown agents are created; known agents carrying
// tools are fully re-registered; known agents without tools get a
// lightweight timestamp update. The response always carries the freshly
// computed resolution map.
func (s *Service) Heartbeat(ctx context.Context, req *AgentRegistrationRequest) (*HeartbeatResponse, error) {
	if err := s.validator.ValidateAgentRegistration(req); err != nil {
		return nil, NewValidationError("%v", err)
	}

	existing, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil && err != sql.ErrNoRows {
		return nil, NewTransient(err, "failed to load agent %s", req.AgentID)
	}
	known := err == nil

	var agent *database.Agent
	switch {
	case !known, len(req.Tools) > 0:
		agent, err = s.registerAgent(ctx, req, existing)
	default:
		// A POST heartbeat always returns the full resolution map, so the
		// agent is current as of now even without a tool re-send.
		agent, err = s.store.TouchHeartbeat(ctx, req.AgentID, true)
		if err == sql.ErrNoRows {
			err = NewNotFound("agent %s not found", req.AgentID)
		} else if err != nil {
			err = NewTransient(err, "failed to update heartbeat for %s", req.AgentID)
		}
	}
	if err != nil {
		return nil, err
	}

	s.cache.InvalidateAll()
	s.metrics.IncHeartbeats()

	tools := req.Tools
	if len(tools) == 0 {
		tools, err = s.loadDeclaredTools(ctx, agent.ID)
		if err != nil {
			return nil, NewTransient(err, "failed to load tools for %s", agent.ID)
		}
	}

	resolved, llmResolved, err := s.resolveFor(ctx, agent, tools)
	if err != nil {
		return nil, err
	}

	return &HeartbeatResponse{
		Status:               "success",
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		Message:              fmt.Sprintf("Heartbeat processed for agent %s", agent.ID),
		AgentID:              agent.ID,
		ResourceVersion:      agent.ResourceVersion,
		DependenciesResolved: resolved,
		LLMToolsResolved:     llmResolved,
	}, nil
}

// registerAgent is the full upsert path: uniqueness and policy checks, agent
// row + capability replacement, event emission, and the pending -> healthy
// activation the heartbeat itself implies.
func (s *Service) registerAgent(ctx context.Context, req *AgentRegistrationRequest, existing *database.Agent) (*database.Agent, error) {
	name := req.Name
	if name == "" {
		name = req.AgentID
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}

	// (name, namespace) is unique across agents; a collision with a
	// different agent_id is a conflict, not an upsert.
	owner, err := s.store.GetAgentByName(ctx, name, namespace)
	if err != nil && err != sql.ErrNoRows {
		return nil, NewTransient(err, "failed to check name uniqueness")
	}
	if err == nil && owner.ID != req.AgentID {
		return nil, NewConflict("agent name %q in namespace %q is already registered by %s", name, namespace, owner.ID)
	}

	if err := s.checkSecurityPolicy(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent := &database.Agent{
		ID:                req.AgentID,
		AgentType:         req.AgentType,
		Name:              name,
		Version:           req.Version,
		HTTPHost:          req.HTTPHost,
		HTTPPort:          req.HTTPPort,
		Namespace:         namespace,
		Labels:            marshalJSONString(req.Labels, "{}"),
		Annotations:       marshalJSONString(req.Annotations, "{}"),
		HealthInterval:    req.HealthInterval,
		TimeoutThreshold:  req.TimeoutThreshold,
		EvictionThreshold: req.EvictionThreshold,
	}
	agent.SecurityRequirements = rawMessageColumn(req.SecurityRequirements)
	agent.PerformanceProfile = rawMessageColumn(req.PerformanceProfile)
	agent.CompatibilityVersions = rawMessageColumn(req.CompatibilityVersions)

	if existing != nil {
		agent.CreatedAt = existing.CreatedAt
		agent.UpdatedAt = now
		agent.ResourceVersion = database.NextResourceVersion(existing.ResourceVersion)
		agent.LastHeartbeat = existing.LastHeartbeat
		if agent.AgentType == "" {
			agent.AgentType = existing.AgentType
		}
	} else {
		agent.PrepareForInsert()
	}
	if agent.AgentType == "" {
		agent.AgentType = "mcp_agent"
	}
	if agent.HealthInterval == 0 {
		agent.HealthInterval = 30
	}

	// The request is itself a heartbeat: the agent never rests in pending.
	heartbeat := now
	if agent.LastHeartbeat != nil && agent.LastHeartbeat.After(now) {
		heartbeat = *agent.LastHeartbeat
	}
	oldStatus := database.AgentStatusPending
	if existing != nil {
		oldStatus = existing.Status
	}
	agent.Status = database.AgentStatusHealthy
	agent.LastHeartbeat = &heartbeat
	agent.LastFullRefresh = &now

	created, err := s.store.UpsertAgent(ctx, agent, req.Tools)
	if err != nil {
		return nil, NewTransient(err, "failed to persist agent %s", req.AgentID)
	}

	if err := s.store.AppendHealthEvent(ctx, agent.ID, oldStatus, agent.Status, "heartbeat"); err != nil {
		s.logger.Warning("Failed to append health event for %s: %v", agent.ID, err)
	}

	eventType := database.EventTypeModified
	if created {
		eventType = database.EventTypeAdded
		s.metrics.IncRegistrations()
	}
	s.emitEvent(ctx, eventType, agent)

	s.logger.Info("Agent %s registered (name=%s namespace=%s tools=%d)", agent.ID, agent.Name, agent.Namespace, len(req.Tools))
	return agent, nil
}

// checkSecurityPolicy enforces the high_security agent type contract: such
// agents must declare authentication, authorization, and audit capabilities.
func (s *Service) checkSecurityPolicy(req *AgentRegistrationRequest) error {
	if req.AgentType != "high_security" {
		return nil
	}

	declared := make(map[string]bool)
	for _, tool := range req.Tools {
		declared[tool.Capability] = true
	}
	for _, required := range []string{"authentication", "authorization", "audit"} {
		if !declared[required] {
			return NewSecurityViolation("high_security agents must declare the %q capability", required)
		}
	}
	return nil
}

// FastHeartbeat backs HEAD /agents/heartbeat/{id}. It stamps the heartbeat
// and reports whether topology changed since the agent's last full refresh,
// so the client knows to follow up with a full POST.
func (s *Service) FastHeartbeat(ctx context.Context, agentID string) (topologyChanged bool, err error) {
	s.metrics.IncFastHeartbeats()

	agent, getErr := s.store.GetAgent(ctx, agentID)
	if getErr == sql.ErrNoRows {
		return false, NewNotFound("agent %s not found", agentID)
	}
	if getErr != nil {
		return false, NewTransient(getErr, "failed to load agent %s", agentID)
	}

	lastRefresh := agent.CreatedAt
	if agent.LastFullRefresh != nil {
		lastRefresh = *agent.LastFullRefresh
	}

	if _, err := s.store.TouchHeartbeat(ctx, agentID, false); err != nil {
		return false, NewTransient(err, "failed to update heartbeat for %s", agentID)
	}

	changed, err2 := s.store.HasEventsSince(ctx, lastRefresh, agentID)
	if err2 != nil {
		return false, NewTransient(err2, "failed to check topology changes")
	}
	return changed, nil
}

// UnregisterAgent deletes the agent and its capabilities. Idempotent: a
// second delete reports existed=false without error.
func (s *Service) UnregisterAgent(ctx context.Context, agentID string) (existed bool, err error) {
	agent, getErr := s.store.GetAgent(ctx, agentID)
	if getErr == sql.ErrNoRows {
		return false, nil
	}
	if getErr != nil {
		return false, NewTransient(getErr, "failed to load agent %s", agentID)
	}

	deleted, delErr := s.store.DeleteAgent(ctx, agentID)
	if delErr != nil {
		return false, NewTransient(delErr, "failed to delete agent %s", agentID)
	}
	if !deleted {
		return false, nil
	}

	if err := s.store.AppendHealthEvent(ctx, agentID, agent.Status, "removed", "unregister"); err != nil {
		s.logger.Warning("Failed to append health event for %s: %v", agentID, err)
	}

	// Final snapshot carries a bumped version so watchers order the DELETED
	// event after every prior MODIFIED.
	agent.ResourceVersion = database.NextResourceVersion(agent.ResourceVersion)
	s.emitEvent(ctx, database.EventTypeDeleted, agent)
	s.cache.InvalidateAll()

	s.logger.Info("Agent %s unregistered", agentID)
	return true, nil
}

// transitionAgent is the reaper's write path: status change, health event,
// MODIFIED change event, cache invalidation.
func (s *Service) transitionAgent(ctx context.Context, agentID, status, source string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	oldStatus := agent.Status

	updated, err := s.store.SetAgentStatus(ctx, agentID, status)
	if err != nil {
		return err
	}

	if err := s.store.AppendHealthEvent(ctx, agentID, oldStatus, status, source); err != nil {
		s.logger.Warning("Failed to append health event for %s: %v", agentID, err)
	}
	s.emitEvent(ctx, database.EventTypeModified, updated)
	s.cache.InvalidateAll()
	return nil
}

func (s *Service) emitEvent(ctx context.Context, eventType string, agent *database.Agent) {
	event, err := s.store.AppendRegistryEvent(ctx, eventType, agent)
	if err != nil {
		s.logger.Warning("Failed to persist %s event for %s: %v", eventType, agent.ID, err)
		return
	}
	s.metrics.IncEvents()
	s.events.Publish(event)
}

// loadDeclaredTools reconstructs the tool list from the stored capability
// rows, for lightweight heartbeats that did not re-send it.
func (s *Service) loadDeclaredTools(ctx context.Context, agentID string) ([]ToolRegistration, error) {
	caps, err := s.store.GetCapabilities(ctx, agentID)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolRegistration, 0, len(caps))
	for _, c := range caps {
		tool := ToolRegistration{
			FunctionName: c.FunctionName,
			Capability:   c.Capability,
			Version:      c.Version,
			Tags:         c.TagList(),
			Stability:    c.Stability,
		}
		if c.Description != nil {
			tool.Description = *c.Description
		}
		if c.Category != nil {
			tool.Category = *c.Category
		}
		if c.Dependencies != "" {
			_ = json.Unmarshal([]byte(c.Dependencies), &tool.Dependencies)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// resolveFor runs the resolution engine for one consumer and records the
// dependency counters on its row.
func (s *Service) resolveFor(ctx context.Context, agent *database.Agent, tools []ToolRegistration) (map[string][]*DependencyResolution, map[string][]*DependencyResolution, error) {
	candidates, err := s.store.LoadHealthyCandidates(ctx)
	if err != nil {
		return nil, nil, NewTransient(err, "failed to load providers")
	}

	resolved := s.resolver.Resolve(agent.Namespace, tools, candidates)

	total, unavailable := 0, 0
	for _, entries := range resolved {
		for _, e := range entries {
			total++
			if e.Status != ResolutionAvailable {
				unavailable++
			}
		}
	}
	s.metrics.RecordResolutions(total, unavailable)
	if err := s.store.UpdateDependencyCounts(ctx, agent.ID, total, total-unavailable); err != nil {
		s.logger.Warning("Failed to update dependency counts for %s: %v", agent.ID, err)
	}

	var llmResolved map[string][]*DependencyResolution
	hasLLM := false
	for _, tool := range tools {
		if tool.LLMFilter != nil {
			hasLLM = true
			break
		}
	}
	if hasLLM {
		llmResolved = s.resolver.ResolveLLMTools(agent.Namespace, tools, candidates)
	}

	return resolved, llmResolved, nil
}

// GetAgent returns one agent with its capabilities.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err == sql.ErrNoRows {
		return nil, NewNotFound("agent %s not found", agentID)
	}
	if err != nil {
		return nil, NewTransient(err, "failed to load agent %s", agentID)
	}

	caps, err := s.store.GetCapabilities(ctx, agentID)
	if err != nil {
		return nil, NewTransient(err, "failed to load capabilities for %s", agentID)
	}

	info := agentInfoFromModel(agent, caps)
	return &info, nil
}

// ListAgents is the GET /agents discovery query. The status filter defaults
// to healthy; expired and offline agents are never returned regardless of
// the requested status.
func (s *Service) ListAgents(ctx context.Context, params *AgentQueryParams) (*AgentsResponse, error) {
	selector, err := ParseLabelSelector(params.LabelSelector)
	if err != nil {
		return nil, NewValidationError("invalid label_selector: %v", err)
	}

	cacheKey := s.cache.Key("agents", params)
	if cached := s.cache.Get(cacheKey); cached != nil {
		if resp, ok := cached.(*AgentsResponse); ok {
			return resp, nil
		}
	}

	status := params.Status
	if status == "" {
		status = database.AgentStatusHealthy
	}

	agents, err := s.store.ListAgents(ctx, params.Namespace, "")
	if err != nil {
		return nil, NewTransient(err, "failed to list agents")
	}

	capabilityTags := splitCSV(params.CapabilityTags)
	var infos []AgentInfo
	for _, agent := range agents {
		// Discovery never returns expired agents; offline is treated the
		// same way.
		if agent.Status == database.AgentStatusExpired || agent.Status == database.AgentStatusOffline {
			continue
		}
		if status != "all" && agent.Status != status {
			continue
		}
		if !labelsMatch(agent.LabelMap(), selector) {
			continue
		}

		caps, err := s.store.GetCapabilities(ctx, agent.ID)
		if err != nil {
			return nil, NewTransient(err, "failed to load capabilities for %s", agent.ID)
		}
		if !s.capabilitiesMatch(caps, params, capabilityTags) {
			continue
		}

		infos = append(infos, agentInfoFromModel(agent, caps))
	}

	resp := &AgentsResponse{
		Agents:    infos,
		Count:     len(infos),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if resp.Agents == nil {
		resp.Agents = []AgentInfo{}
	}
	s.cache.Set(cacheKey, resp)
	return resp, nil
}

// capabilitiesMatch applies the capability-level discovery filters to one
// agent's capability set.
func (s *Service) capabilitiesMatch(caps []*database.Capability, params *AgentQueryParams, requestedTags []string) bool {
	for _, wanted := range params.Capabilities {
		if !s.anyCapabilityMatches(caps, func(c *database.Capability) bool {
			return matchName(c.Capability, wanted, params.FuzzyMatch)
		}) {
			return false
		}
	}

	if params.CapabilityCategory != "" {
		if !s.anyCapabilityMatches(caps, func(c *database.Capability) bool {
			return c.Category != nil && *c.Category == params.CapabilityCategory
		}) {
			return false
		}
	}

	if params.CapabilityStability != "" {
		if !s.anyCapabilityMatches(caps, func(c *database.Capability) bool {
			return c.Stability == params.CapabilityStability
		}) {
			return false
		}
	}

	if len(requestedTags) > 0 {
		if !s.anyCapabilityMatches(caps, func(c *database.Capability) bool {
			return hasAllTags(c.TagList(), requestedTags)
		}) {
			return false
		}
	}

	if params.VersionConstraint != "" {
		if !s.anyCapabilityMatches(caps, func(c *database.Capability) bool {
			return s.matcher.MatchVersion(c.Version, params.VersionConstraint)
		}) {
			return false
		}
	}

	return true
}

func (s *Service) anyCapabilityMatches(caps []*database.Capability, match func(*database.Capability) bool) bool {
	for _, c := range caps {
		if c.Capability == "" {
			continue
		}
		if match(c) {
			return true
		}
	}
	return false
}

// SearchCapabilities is the GET /capabilities flat search.
func (s *Service) SearchCapabilities(ctx context.Context, params *CapabilityQueryParams) (*CapabilitiesResponse, error) {
	cacheKey := s.cache.Key("capabilities", params)
	if cached := s.cache.Get(cacheKey); cached != nil {
		if resp, ok := cached.(*CapabilitiesResponse); ok {
			return resp, nil
		}
	}

	agentStatus := params.AgentStatus
	if agentStatus == "" {
		agentStatus = database.AgentStatusHealthy
	}

	caps, owners, err := s.store.ListCapabilities(ctx, params.AgentNamespace, "")
	if err != nil {
		return nil, NewTransient(err, "failed to list capabilities")
	}

	requestedTags := splitCSV(params.Tags)
	records := []CapabilityRecord{}
	for _, c := range caps {
		owner := owners[c.AgentID]
		if owner.Status == database.AgentStatusExpired || owner.Status == database.AgentStatusOffline {
			continue
		}
		if agentStatus != "all" && owner.Status != agentStatus {
			continue
		}
		if c.Capability == "" {
			continue
		}
		if c.Stability == "deprecated" && !params.IncludeDeprecated {
			continue
		}
		if params.Name != "" && !matchName(c.Capability, params.Name, params.FuzzyMatch) {
			continue
		}
		if params.DescriptionContains != "" {
			desc := ""
			if c.Description != nil {
				desc = *c.Description
			}
			if !strings.Contains(strings.ToLower(desc), strings.ToLower(params.DescriptionContains)) {
				continue
			}
		}
		if params.Category != "" && (c.Category == nil || *c.Category != params.Category) {
			continue
		}
		if params.Stability != "" && c.Stability != params.Stability {
			continue
		}
		if len(requestedTags) > 0 && !hasAllTags(c.TagList(), requestedTags) {
			continue
		}
		if params.VersionConstraint != "" && !s.matcher.MatchVersion(c.Version, params.VersionConstraint) {
			continue
		}

		records = append(records, CapabilityRecord{
			CapabilityInfo: capabilityInfoFromModel(c),
			AgentID:        owner.ID,
			AgentName:      owner.Name,
			AgentNamespace: owner.Namespace,
			AgentStatus:    owner.Status,
			Endpoint:       owner.Endpoint(),
		})
	}

	resp := &CapabilitiesResponse{
		Capabilities: records,
		Count:        len(records),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	s.cache.Set(cacheKey, resp)
	return resp, nil
}

// GetAgentHealth backs GET /health/{agent_id}.
func (s *Service) GetAgentHealth(ctx context.Context, agentID string) (*AgentHealthResponse, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err == sql.ErrNoRows {
		return nil, NewNotFound("agent %s not found", agentID)
	}
	if err != nil {
		return nil, NewTransient(err, "failed to load agent %s", agentID)
	}

	thresholds := s.healthConfig.ThresholdsFor(agent.AgentType)
	timeout := thresholds.TimeoutThreshold
	eviction := thresholds.EvictionThreshold
	if agent.TimeoutThreshold > 0 {
		timeout = agent.TimeoutThreshold
	}
	if agent.EvictionThreshold > 0 {
		eviction = agent.EvictionThreshold
	}

	resp := &AgentHealthResponse{
		AgentID:           agent.ID,
		Status:            agent.Status,
		LastHeartbeat:     agent.LastHeartbeat,
		TimeoutThreshold:  timeout,
		EvictionThreshold: eviction,
		IsExpired:         agent.Status == database.AgentStatusExpired || agent.Status == database.AgentStatusOffline,
	}
	if agent.LastHeartbeat != nil {
		since := time.Since(*agent.LastHeartbeat).Seconds()
		resp.TimeSinceHeartbeat = &since
	}

	switch agent.Status {
	case database.AgentStatusHealthy:
		resp.Message = "agent is healthy"
	case database.AgentStatusDegraded:
		resp.Message = "agent missed its heartbeat deadline"
	case database.AgentStatusExpired, database.AgentStatusOffline:
		resp.Message = "agent expired and is excluded from discovery"
	default:
		resp.Message = "agent has not sent its first heartbeat"
	}

	return resp, nil
}

// EventsAfterVersion exposes persisted events for watch replay.
func (s *Service) EventsAfterVersion(ctx context.Context, resourceVersion string) ([]*database.RegistryEvent, error) {
	return s.store.EventsAfterVersion(ctx, resourceVersion)
}

// agentGauges samples agents-by-status for the metrics endpoints.
func (s *Service) agentGauges() map[string]int64 {
	stats, err := s.store.db.GetStats()
	if err != nil {
		return nil
	}
	if byStatus, ok := stats["agents_by_status"].(map[string]int64); ok {
		return byStatus
	}
	return nil
}

func agentInfoFromModel(agent *database.Agent, caps []*database.Capability) AgentInfo {
	capInfos := make([]CapabilityInfo, 0, len(caps))
	for _, c := range caps {
		capInfos = append(capInfos, capabilityInfoFromModel(c))
	}

	return AgentInfo{
		AgentID:              agent.ID,
		AgentType:            agent.AgentType,
		Name:                 agent.Name,
		Namespace:            agent.Namespace,
		Endpoint:             agent.Endpoint(),
		Status:               agent.Status,
		Version:              agent.Version,
		Labels:               agent.LabelMap(),
		Capabilities:         capInfos,
		TotalDependencies:    agent.TotalDependencies,
		DependenciesResolved: agent.DependenciesResolved,
		LastHeartbeat:        agent.LastHeartbeat,
		ResourceVersion:      agent.ResourceVersion,
		CreatedAt:            agent.CreatedAt,
		UpdatedAt:            agent.UpdatedAt,
	}
}

func capabilityInfoFromModel(c *database.Capability) CapabilityInfo {
	info := CapabilityInfo{
		Capability:   c.Capability,
		FunctionName: c.FunctionName,
		Version:      c.Version,
		Stability:    c.Stability,
		Tags:         c.TagList(),
	}
	if c.Description != nil {
		info.Description = *c.Description
	}
	if c.Category != nil {
		info.Category = *c.Category
	}
	return info
}

func matchName(value, wanted string, fuzzy bool) bool {
	if fuzzy {
		return strings.Contains(strings.ToLower(value), strings.ToLower(wanted))
	}
	return value == wanted
}

func labelsMatch(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func marshalJSONString(v interface{}, empty string) string {
	if v == nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func rawMessageColumn(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
