package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
)

// Store owns all SQL against the registry database. It is the single writer
// to persistent state; the service layer never touches the database directly.
type Store struct {
	db     *database.Database
	logger *logger.Logger
}

// NewStore creates a store over an initialized database.
func NewStore(db *database.Database, logger *logger.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const agentColumns = `agent_id, agent_type, name, version, http_host, http_port,
	namespace, status, labels, annotations,
	security_requirements, performance_profile, compatibility_versions,
	total_dependencies, dependencies_resolved,
	health_interval, timeout_threshold, eviction_threshold,
	created_at, updated_at, resource_version, last_heartbeat, last_full_refresh`

func scanAgent(row interface{ Scan(...interface{}) error }) (*database.Agent, error) {
	var a database.Agent
	var lastHeartbeat, lastFullRefresh sql.NullTime
	var version, httpHost sql.NullString

	err := row.Scan(
		&a.ID, &a.AgentType, &a.Name, &version, &httpHost, &a.HTTPPort,
		&a.Namespace, &a.Status, &a.Labels, &a.Annotations,
		&a.SecurityRequirements, &a.PerformanceProfile, &a.CompatibilityVersions,
		&a.TotalDependencies, &a.DependenciesResolved,
		&a.HealthInterval, &a.TimeoutThreshold, &a.EvictionThreshold,
		&a.CreatedAt, &a.UpdatedAt, &a.ResourceVersion, &lastHeartbeat, &lastFullRefresh,
	)
	if err != nil {
		return nil, err
	}

	a.Version = version.String
	a.HTTPHost = httpHost.String
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time.UTC()
		a.LastHeartbeat = &t
	}
	if lastFullRefresh.Valid {
		t := lastFullRefresh.Time.UTC()
		a.LastFullRefresh = &t
	}
	return &a, nil
}

// GetAgent returns one agent row, or sql.ErrNoRows.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*database.Agent, error) {
	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM agents WHERE agent_id = ?", agentColumns))
	return scanAgent(s.db.QueryRowContext(ctx, query, agentID))
}

// GetAgentByName returns the agent owning (name, namespace), or sql.ErrNoRows.
// The pair is unique across agents, enforced by the service before writes.
func (s *Store) GetAgentByName(ctx context.Context, name, namespace string) (*database.Agent, error) {
	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM agents WHERE name = ? AND namespace = ?", agentColumns))
	return scanAgent(s.db.QueryRowContext(ctx, query, name, namespace))
}

// ListAgents returns agent rows, optionally restricted by namespace and/or
// status. Finer filtering (capabilities, labels, versions) happens in the
// service layer where the matcher lives.
func (s *Store) ListAgents(ctx context.Context, namespace, status string) ([]*database.Agent, error) {
	query := fmt.Sprintf("SELECT %s FROM agents", agentColumns)
	var args []interface{}
	var where []string

	if namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, namespace)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY agent_id"

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*database.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ListAgentsByStatuses returns agents whose status is in the given set.
// Used by the health monitor to load its working set in one query.
func (s *Store) ListAgentsByStatuses(ctx context.Context, statuses ...string) ([]*database.Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = st
	}

	query := fmt.Sprintf("SELECT %s FROM agents WHERE status IN (%s) ORDER BY agent_id", agentColumns, placeholders)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*database.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpsertAgent inserts or updates one agent and atomically replaces its
// capability set. Returns true when the agent was created. The caller
// prepares timestamps and resource_version on the model beforehand.
func (s *Store) UpsertAgent(ctx context.Context, agent *database.Agent, tools []ToolRegistration) (bool, error) {
	var created bool

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, s.db.Rebind("SELECT agent_id FROM agents WHERE agent_id = ?"), agent.ID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			created = true
		case err != nil:
			return err
		}

		if created {
			insert := s.db.Rebind(fmt.Sprintf(`INSERT INTO agents (%s)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, agentColumns))
			_, err = tx.ExecContext(ctx, insert,
				agent.ID, agent.AgentType, agent.Name, agent.Version, agent.HTTPHost, agent.HTTPPort,
				agent.Namespace, agent.Status, agent.Labels, agent.Annotations,
				agent.SecurityRequirements, agent.PerformanceProfile, agent.CompatibilityVersions,
				agent.TotalDependencies, agent.DependenciesResolved,
				agent.HealthInterval, agent.TimeoutThreshold, agent.EvictionThreshold,
				agent.CreatedAt, agent.UpdatedAt, agent.ResourceVersion, agent.LastHeartbeat, agent.LastFullRefresh,
			)
		} else {
			update := s.db.Rebind(`UPDATE agents SET
				agent_type = ?, name = ?, version = ?, http_host = ?, http_port = ?,
				namespace = ?, status = ?, labels = ?, annotations = ?,
				security_requirements = ?, performance_profile = ?, compatibility_versions = ?,
				total_dependencies = ?, dependencies_resolved = ?,
				health_interval = ?, timeout_threshold = ?, eviction_threshold = ?,
				updated_at = ?, resource_version = ?, last_heartbeat = ?, last_full_refresh = ?
				WHERE agent_id = ?`)
			_, err = tx.ExecContext(ctx, update,
				agent.AgentType, agent.Name, agent.Version, agent.HTTPHost, agent.HTTPPort,
				agent.Namespace, agent.Status, agent.Labels, agent.Annotations,
				agent.SecurityRequirements, agent.PerformanceProfile, agent.CompatibilityVersions,
				agent.TotalDependencies, agent.DependenciesResolved,
				agent.HealthInterval, agent.TimeoutThreshold, agent.EvictionThreshold,
				agent.UpdatedAt, agent.ResourceVersion, agent.LastHeartbeat, agent.LastFullRefresh,
				agent.ID,
			)
		}
		if err != nil {
			return err
		}

		// Replace the capability set wholesale; partial diffs are not worth
		// the bookkeeping at this scale.
		if _, err := tx.ExecContext(ctx, s.db.Rebind("DELETE FROM capabilities WHERE agent_id = ?"), agent.ID); err != nil {
			return err
		}

		now := time.Now().UTC()
		insertCap := s.db.Rebind(`INSERT INTO capabilities
			(agent_id, function_name, capability, version, description, category, stability, tags, input_schema, dependencies, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, tool := range tools {
			version := tool.Version
			if version == "" {
				version = "1.0.0"
			}
			stability := tool.Stability
			if stability == "" {
				stability = "stable"
			}
			tags, _ := json.Marshal(tool.Tags)
			if tool.Tags == nil {
				tags = []byte("[]")
			}
			deps, _ := json.Marshal(tool.Dependencies)
			if tool.Dependencies == nil {
				deps = []byte("[]")
			}
			var inputSchema interface{}
			if len(tool.InputSchema) > 0 {
				inputSchema = string(tool.InputSchema)
			}

			_, err := tx.ExecContext(ctx, insertCap,
				agent.ID, tool.FunctionName, tool.Capability, version,
				tool.Description, tool.Category, stability,
				string(tags), inputSchema, string(deps), now, now,
			)
			if err != nil {
				return fmt.Errorf("inserting capability %s/%s: %w", agent.ID, tool.FunctionName, err)
			}
		}

		return nil
	})

	return created, err
}

// DeleteAgent removes one agent; capabilities cascade. Returns false when
// the agent did not exist.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM agents WHERE agent_id = ?"), agentID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// TouchHeartbeat stamps last_heartbeat=now, sets the status, and bumps the
// resource version. last_heartbeat never moves backward: a clock that
// regressed leaves the previous stamp in place. Returns the updated row or
// sql.ErrNoRows for unknown agents.
func (s *Store) TouchHeartbeat(ctx context.Context, agentID string, fullRefresh bool) (*database.Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	heartbeat := now
	if agent.LastHeartbeat != nil && agent.LastHeartbeat.After(now) {
		heartbeat = *agent.LastHeartbeat
	}

	agent.Status = database.AgentStatusHealthy
	agent.LastHeartbeat = &heartbeat
	agent.UpdatedAt = now
	agent.ResourceVersion = database.NextResourceVersion(agent.ResourceVersion)
	if fullRefresh {
		agent.LastFullRefresh = &now
	}

	query := s.db.Rebind(`UPDATE agents SET status = ?, last_heartbeat = ?, updated_at = ?, resource_version = ?, last_full_refresh = ?
		WHERE agent_id = ?`)
	if _, err := s.db.ExecContext(ctx, query,
		agent.Status, agent.LastHeartbeat, agent.UpdatedAt, agent.ResourceVersion, agent.LastFullRefresh, agent.ID); err != nil {
		return nil, err
	}

	return agent, nil
}

// SetAgentStatus transitions one agent without touching last_heartbeat, which
// stays behind as the evidence the transition was based on.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) (*database.Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	agent.ResourceVersion = database.NextResourceVersion(agent.ResourceVersion)

	query := s.db.Rebind("UPDATE agents SET status = ?, updated_at = ?, resource_version = ? WHERE agent_id = ?")
	if _, err := s.db.ExecContext(ctx, query, agent.Status, agent.UpdatedAt, agent.ResourceVersion, agent.ID); err != nil {
		return nil, err
	}

	return agent, nil
}

// UpdateDependencyCounts records the outcome of the last resolution pass on
// the agent row so discovery responses can report it without re-resolving.
func (s *Store) UpdateDependencyCounts(ctx context.Context, agentID string, total, resolved int) error {
	query := s.db.Rebind("UPDATE agents SET total_dependencies = ?, dependencies_resolved = ? WHERE agent_id = ?")
	_, err := s.db.ExecContext(ctx, query, total, resolved, agentID)
	return err
}

// GetCapabilities returns the capability rows of one agent in insertion
// order, which is the declaration order of the registration payload.
func (s *Store) GetCapabilities(ctx context.Context, agentID string) ([]*database.Capability, error) {
	query := s.db.Rebind(`SELECT id, agent_id, function_name, capability, version, description, category, stability, tags, input_schema, dependencies, created_at, updated_at
		FROM capabilities WHERE agent_id = ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCapabilities(rows)
}

// LoadHealthyCandidates joins capabilities with their healthy owners. This is
// the provider universe the resolution engine works from; degraded, expired,
// and offline agents never appear here.
func (s *Store) LoadHealthyCandidates(ctx context.Context) ([]Candidate, error) {
	query := `SELECT c.agent_id, c.function_name, c.capability, c.version, c.tags,
		a.namespace, a.http_host, a.http_port
		FROM capabilities c
		JOIN agents a ON a.agent_id = c.agent_id
		WHERE a.status = 'healthy' AND c.capability != ''
		ORDER BY c.agent_id, c.id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var tags string
		var httpHost sql.NullString
		if err := rows.Scan(&c.AgentID, &c.FunctionName, &c.Capability, &c.Version, &tags,
			&c.Namespace, &httpHost, &c.HTTPPort); err != nil {
			return nil, err
		}
		c.HTTPHost = httpHost.String
		unmarshalTags(tags, &c.Tags)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ListCapabilities returns all capability rows joined with owner metadata,
// optionally restricted by the owning agent's namespace and status.
func (s *Store) ListCapabilities(ctx context.Context, agentNamespace, agentStatus string) ([]*database.Capability, map[string]*database.Agent, error) {
	query := fmt.Sprintf("SELECT %s FROM agents", agentColumns)
	var args []interface{}
	if agentNamespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, agentNamespace)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	owners := make(map[string]*database.Agent)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, nil, err
		}
		if agentStatus != "" && agent.Status != agentStatus {
			continue
		}
		owners[agent.ID] = agent
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	capRows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, function_name, capability, version, description, category, stability, tags, input_schema, dependencies, created_at, updated_at
		FROM capabilities ORDER BY agent_id, id`)
	if err != nil {
		return nil, nil, err
	}
	defer capRows.Close()

	caps, err := scanCapabilities(capRows)
	if err != nil {
		return nil, nil, err
	}

	var owned []*database.Capability
	for _, c := range caps {
		if _, ok := owners[c.AgentID]; ok {
			owned = append(owned, c)
		}
	}
	return owned, owners, nil
}

func scanCapabilities(rows *sql.Rows) ([]*database.Capability, error) {
	var caps []*database.Capability
	for rows.Next() {
		var c database.Capability
		if err := rows.Scan(&c.ID, &c.AgentID, &c.FunctionName, &c.Capability, &c.Version,
			&c.Description, &c.Category, &c.Stability, &c.Tags, &c.InputSchema, &c.Dependencies,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		caps = append(caps, &c)
	}
	return caps, rows.Err()
}

func unmarshalTags(data string, tags *[]string) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), tags)
}

// AppendHealthEvent records one status transition in the audit log.
func (s *Store) AppendHealthEvent(ctx context.Context, agentID, oldStatus, newStatus, source string) error {
	query := s.db.Rebind(`INSERT INTO health_events (agent_id, old_status, new_status, source, timestamp, data)
		VALUES (?, ?, ?, ?, ?, '{}')`)
	_, err := s.db.ExecContext(ctx, query, agentID, oldStatus, newStatus, source, time.Now().UTC())
	return err
}

// AppendRegistryEvent records one change event with a JSON snapshot of the
// agent at event time. Watchers replay these by resource version.
func (s *Store) AppendRegistryEvent(ctx context.Context, eventType string, agent *database.Agent) (*database.RegistryEvent, error) {
	snapshot, err := json.Marshal(agent)
	if err != nil {
		return nil, err
	}

	event := &database.RegistryEvent{
		EventType:       eventType,
		AgentID:         agent.ID,
		Timestamp:       time.Now().UTC(),
		ResourceVersion: agent.ResourceVersion,
		Data:            string(snapshot),
	}

	query := s.db.Rebind(`INSERT INTO registry_events (event_type, agent_id, timestamp, resource_version, data)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, event.EventType, event.AgentID, event.Timestamp, event.ResourceVersion, event.Data); err != nil {
		return nil, err
	}

	return event, nil
}

// EventsAfterVersion returns persisted events with resource_version > rv in
// version order, for watch replay.
func (s *Store) EventsAfterVersion(ctx context.Context, resourceVersion string) ([]*database.RegistryEvent, error) {
	query := s.db.Rebind(`SELECT id, event_type, agent_id, timestamp, resource_version, data
		FROM registry_events WHERE CAST(resource_version AS INTEGER) > CAST(? AS INTEGER)
		ORDER BY CAST(resource_version AS INTEGER), id`)
	rows, err := s.db.QueryContext(ctx, query, resourceVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*database.RegistryEvent
	for rows.Next() {
		var e database.RegistryEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.AgentID, &e.Timestamp, &e.ResourceVersion, &e.Data); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// HasEventsSince reports whether any registry event newer than since exists.
// The fast-heartbeat path uses this as its topology-change signal; the
// asking agent's own events are excluded, its registration would otherwise
// read as a topology change on every check.
func (s *Store) HasEventsSince(ctx context.Context, since time.Time, excludeAgentID string) (bool, error) {
	var count int
	query := s.db.Rebind("SELECT COUNT(*) FROM registry_events WHERE timestamp > ? AND agent_id != ?")
	if err := s.db.QueryRowContext(ctx, query, since, excludeAgentID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
