package database

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	db, err := Initialize(&Config{
		DatabaseURL:        ":memory:",
		BusyTimeout:        5000,
		JournalMode:        "WAL",
		Synchronous:        "NORMAL",
		CacheSize:          10000,
		EnableForeignKeys:  true,
		MaxOpenConnections: 10,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    300,
	})
	require.NoError(t, err, "Failed to initialize in-memory database")
	t.Cleanup(func() { db.Close() })

	return db
}

func insertTestAgent(t *testing.T, db *Database, id string) *Agent {
	t.Helper()

	agent := &Agent{
		ID:        id,
		Name:      "test-agent",
		Version:   "1.0.0",
		HTTPHost:  "localhost",
		HTTPPort:  8080,
		Labels:    "{}",
		Annotations: "{}",
	}
	agent.PrepareForInsert()

	_, err := db.Exec(
		`INSERT INTO agents (agent_id, agent_type, name, version, http_host, http_port,
			namespace, status, labels, annotations, created_at, updated_at, resource_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.AgentType, agent.Name, agent.Version, agent.HTTPHost, agent.HTTPPort,
		agent.Namespace, agent.Status, agent.Labels, agent.Annotations,
		agent.CreatedAt, agent.UpdatedAt, agent.ResourceVersion)
	require.NoError(t, err, "Failed to insert test agent")

	return agent
}

func TestInitializeCreatesSchema(t *testing.T) {
	db := newTestDatabase(t)

	for _, table := range []string{"schema_version", "agents", "capabilities", "health_events", "registry_events"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "Table %s should exist", table)
		assert.Equal(t, table, name)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	t.Logf("✅ Schema initialized at version %d", version)
}

func TestInitializeRefusesNewerSchema(t *testing.T) {
	tempFile := "/tmp/test_agentmesh_newer_schema.db"
	defer os.Remove(tempFile)

	config := &Config{
		DatabaseURL:       tempFile,
		EnableForeignKeys: true,
	}

	db, err := Initialize(config)
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		SchemaVersion+1, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Initialize(config)
	require.Error(t, err, "Opening a database stamped with a newer schema must fail")
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestCapabilityCascadeDelete(t *testing.T) {
	db := newTestDatabase(t)
	agent := insertTestAgent(t, db, "cascade-test-abc12345")

	now := time.Now().UTC()
	_, err := db.Exec(
		`INSERT INTO capabilities (agent_id, function_name, capability, version, tags, dependencies, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, "greet", "greeting", "1.0.0", `["demo"]`, "[]", now, now)
	require.NoError(t, err)

	_, err = db.Exec("DELETE FROM agents WHERE agent_id = ?", agent.ID)
	require.NoError(t, err)

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM capabilities WHERE agent_id = ?", agent.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "Capabilities should be deleted with their agent")
}

func TestUniqueFunctionNamePerAgent(t *testing.T) {
	db := newTestDatabase(t)
	agent := insertTestAgent(t, db, "unique-test-abc12345")

	now := time.Now().UTC()
	insert := `INSERT INTO capabilities (agent_id, function_name, capability, version, tags, dependencies, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Exec(insert, agent.ID, "greet", "greeting", "1.0.0", "[]", "[]", now, now)
	require.NoError(t, err)

	_, err = db.Exec(insert, agent.ID, "greet", "other", "2.0.0", "[]", "[]", now, now)
	assert.Error(t, err, "Duplicate function_name for one agent should violate the unique constraint")
}

func TestNextResourceVersion(t *testing.T) {
	t.Run("uses millisecond epoch", func(t *testing.T) {
		before := time.Now().UnixMilli()
		rv := NextResourceVersion("")
		after := time.Now().UnixMilli()

		parsed, err := strconv.ParseInt(rv, 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, parsed, before)
		assert.LessOrEqual(t, parsed, after)
	})

	t.Run("strictly increases past previous version", func(t *testing.T) {
		future := strconv.FormatInt(time.Now().UnixMilli()+60_000, 10)
		rv := NextResourceVersion(future)

		prev, _ := strconv.ParseInt(future, 10, 64)
		next, err := strconv.ParseInt(rv, 10, 64)
		require.NoError(t, err)
		assert.Equal(t, prev+1, next, "When the clock lags, the version must still advance")
	})

	t.Run("never repeats under rapid calls", func(t *testing.T) {
		rv := NextResourceVersion("")
		for i := 0; i < 100; i++ {
			next := NextResourceVersion(rv)
			assert.Greater(t, next, rv)
			rv = next
		}
	})
}

func TestAgentEndpoint(t *testing.T) {
	agent := &Agent{ID: "svc-abc12345", HTTPHost: "10.0.0.5", HTTPPort: 9090}
	assert.Equal(t, "http://10.0.0.5:9090", agent.Endpoint())

	stdio := &Agent{ID: "svc-abc12345"}
	assert.Equal(t, "stdio://svc-abc12345", stdio.Endpoint())
}

func TestTransaction(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			agent := &Agent{ID: "tx-commit-abc12345", Name: "tx-agent", Labels: "{}", Annotations: "{}"}
			agent.PrepareForInsert()
			_, err := tx.Exec(
				`INSERT INTO agents (agent_id, agent_type, name, namespace, status, labels, annotations,
					created_at, updated_at, resource_version)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				agent.ID, agent.AgentType, agent.Name, agent.Namespace, agent.Status,
				agent.Labels, agent.Annotations, agent.CreatedAt, agent.UpdatedAt, agent.ResourceVersion)
			return err
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agents WHERE agent_id = 'tx-commit-abc12345'").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			agent := &Agent{ID: "tx-rollback-abc12345", Name: "tx-agent", Labels: "{}", Annotations: "{}"}
			agent.PrepareForInsert()
			if _, err := tx.Exec(
				`INSERT INTO agents (agent_id, agent_type, name, namespace, status, labels, annotations,
					created_at, updated_at, resource_version)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				agent.ID, agent.AgentType, agent.Name, agent.Namespace, agent.Status,
				agent.Labels, agent.Annotations, agent.CreatedAt, agent.UpdatedAt, agent.ResourceVersion); err != nil {
				return err
			}
			return assert.AnError
		})
		require.Error(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agents WHERE agent_id = 'tx-rollback-abc12345'").Scan(&count))
		assert.Equal(t, 0, count, "Rolled back insert should not be visible")
	})
}

func TestGetStats(t *testing.T) {
	db := newTestDatabase(t)
	insertTestAgent(t, db, "stats-test-abc12345")

	stats, err := db.GetStats()
	require.NoError(t, err, "Failed to get database stats")

	assert.Contains(t, stats, "total_agents")
	assert.Contains(t, stats, "agents_by_namespace")
	assert.Contains(t, stats, "agents_by_status")
	assert.Contains(t, stats, "unique_capabilities")
	assert.Contains(t, stats, "recent_events_last_hour")

	totalAgents, ok := stats["total_agents"].(int64)
	assert.True(t, ok, "total_agents should be an integer")
	assert.Equal(t, int64(1), totalAgents)
}

// TestPostgreSQLCompatibility only runs when a PostgreSQL instance is
// available.
func TestPostgreSQLCompatibility(t *testing.T) {
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("Skipping PostgreSQL test - set TEST_POSTGRES_URL environment variable")
	}

	config := &Config{
		DatabaseURL:        pgURL,
		MaxOpenConnections: 5,
		MaxIdleConnections: 2,
		ConnMaxLifetime:    300,
	}

	db, err := Initialize(config)
	require.NoError(t, err, "Failed to initialize PostgreSQL database")
	defer db.Close()

	assert.True(t, db.IsPostgreSQL())
	assert.Equal(t, "SELECT $1, $2", db.Rebind("SELECT ?, ?"))
}

func TestRebindSQLitePassthrough(t *testing.T) {
	db := newTestDatabase(t)
	assert.Equal(t, "SELECT ?, ?", db.Rebind("SELECT ?, ?"))
}
