package database

import (
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is the schema generation this build understands.
// Migrations are forward-only: a database stamped with a newer version is
// refused rather than downgraded.
const SchemaVersion = 1

// Config holds database configuration.
type Config struct {
	DatabaseURL        string `env:"DATABASE_URL" envDefault:"agentmesh_registry.db"`
	ConnectionTimeout  int    `env:"DB_CONNECTION_TIMEOUT" envDefault:"30"`
	BusyTimeout        int    `env:"DB_BUSY_TIMEOUT" envDefault:"5000"`
	JournalMode        string `env:"DB_JOURNAL_MODE" envDefault:"WAL"`
	Synchronous        string `env:"DB_SYNCHRONOUS" envDefault:"NORMAL"`
	CacheSize          int    `env:"DB_CACHE_SIZE" envDefault:"10000"`
	EnableForeignKeys  bool   `env:"DB_ENABLE_FOREIGN_KEYS" envDefault:"true"`
	MaxOpenConnections int    `env:"DB_MAX_OPEN_CONNECTIONS" envDefault:"10"`
	MaxIdleConnections int    `env:"DB_MAX_IDLE_CONNECTIONS" envDefault:"5"`
	ConnMaxLifetime    int    `env:"DB_CONN_MAX_LIFETIME" envDefault:"300"` // seconds
}

// Database wraps a sql.DB with registry specific helpers.
type Database struct {
	*sql.DB
	config     *Config
	driverName string
}

// Initialize opens, configures, and migrates the registry database.
// SQLite is the default; a postgres:// or postgresql:// URL selects the
// PostgreSQL driver instead.
func Initialize(config *Config) (*Database, error) {
	if config == nil {
		config = &Config{
			DatabaseURL:        "agentmesh_registry.db",
			ConnectionTimeout:  30,
			BusyTimeout:        5000,
			JournalMode:        "WAL",
			Synchronous:        "NORMAL",
			CacheSize:          10000,
			EnableForeignKeys:  true,
			MaxOpenConnections: 10,
			MaxIdleConnections: 5,
			ConnMaxLifetime:    300,
		}
	}

	var driverName, dataSourceName string

	if strings.HasPrefix(config.DatabaseURL, "postgres://") || strings.HasPrefix(config.DatabaseURL, "postgresql://") {
		driverName = "postgres"
		dataSourceName = config.DatabaseURL
	} else {
		driverName = "sqlite3"

		// Resolve relative SQLite paths so the database location does not
		// depend on the working directory. Special URLs like :memory: pass
		// through untouched.
		sqlitePath := config.DatabaseURL
		if !filepath.IsAbs(sqlitePath) && !strings.Contains(sqlitePath, ":memory:") {
			var err error
			sqlitePath, err = filepath.Abs(sqlitePath)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve absolute path for SQLite database: %w", err)
			}
		}

		dataSourceName = sqlitePath

		if config.EnableForeignKeys && !strings.Contains(dataSourceName, "_fk=") {
			if strings.Contains(dataSourceName, "?") {
				dataSourceName += "&_fk=1"
			} else {
				dataSourceName += "?_fk=1"
			}
		}
	}

	sqlDB, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	maxOpen := config.MaxOpenConnections
	if maxOpen < 1 || maxOpen > 10 {
		maxOpen = 10
	}
	// An in-memory SQLite database exists per connection, so the pool must
	// collapse to one connection to keep a single coherent database.
	if strings.Contains(dataSourceName, ":memory:") {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(config.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		DB:         sqlDB,
		config:     config,
		driverName: driverName,
	}

	if driverName == "sqlite3" {
		if config.EnableForeignKeys {
			database.Exec("PRAGMA foreign_keys = ON")
		}
		database.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout))
		database.Exec(fmt.Sprintf("PRAGMA journal_mode = %s", config.JournalMode))
		database.Exec(fmt.Sprintf("PRAGMA synchronous = %s", config.Synchronous))
		database.Exec(fmt.Sprintf("PRAGMA cache_size = -%d", config.CacheSize))
	}

	if err := database.initializeSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// IsPostgreSQL returns true if the database is PostgreSQL.
func (db *Database) IsPostgreSQL() bool {
	return db.driverName == "postgres"
}

// IsSQLite returns true if the database is SQLite.
func (db *Database) IsSQLite() bool {
	return db.driverName == "sqlite3"
}

// Rebind rewrites ? placeholders to the $N form PostgreSQL expects. SQLite
// queries pass through unchanged.
func (db *Database) Rebind(query string) string {
	if !db.IsPostgreSQL() {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *Database) serialPrimaryKey() string {
	if db.IsPostgreSQL() {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// initializeSchema creates all tables and indexes.
func (db *Database) initializeSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT 'mcp_agent',
			name TEXT NOT NULL,
			version TEXT,
			http_host TEXT,
			http_port INTEGER DEFAULT 0,
			namespace TEXT NOT NULL DEFAULT 'default',
			status TEXT NOT NULL DEFAULT 'pending',

			-- Kubernetes-style metadata, stored as JSON strings
			labels TEXT DEFAULT '{}',
			annotations TEXT DEFAULT '{}',

			-- Registration metadata persisted verbatim
			security_requirements TEXT,
			performance_profile TEXT,
			compatibility_versions TEXT,

			-- Dependency tracking (computed fields)
			total_dependencies INTEGER DEFAULT 0,
			dependencies_resolved INTEGER DEFAULT 0,

			-- Health configuration (0 means "use registry defaults")
			health_interval INTEGER DEFAULT 30,
			timeout_threshold INTEGER DEFAULT 0,
			eviction_threshold INTEGER DEFAULT 0,

			-- Registry-controlled timestamps (source of truth)
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			resource_version TEXT NOT NULL,
			last_heartbeat TIMESTAMP,
			last_full_refresh TIMESTAMP
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS capabilities (
			id %s,
			agent_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			capability TEXT NOT NULL,
			version TEXT DEFAULT '1.0.0',
			description TEXT,
			category TEXT,
			stability TEXT DEFAULT 'stable',
			tags TEXT DEFAULT '[]',
			input_schema TEXT,
			dependencies TEXT DEFAULT '[]',

			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,

			FOREIGN KEY (agent_id) REFERENCES agents(agent_id) ON DELETE CASCADE,
			UNIQUE(agent_id, function_name)
		)`, db.serialPrimaryKey()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS health_events (
			id %s,
			agent_id TEXT NOT NULL,
			old_status TEXT,
			new_status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'heartbeat',
			timestamp TIMESTAMP NOT NULL,
			data TEXT DEFAULT '{}'
		)`, db.serialPrimaryKey()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS registry_events (
			id %s,
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			resource_version TEXT NOT NULL,
			data TEXT DEFAULT '{}'
		)`, db.serialPrimaryKey()),
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		// Agent indexes
		"CREATE INDEX IF NOT EXISTS idx_agents_namespace ON agents(namespace)",
		"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
		"CREATE INDEX IF NOT EXISTS idx_agents_last_heartbeat ON agents(last_heartbeat)",
		"CREATE INDEX IF NOT EXISTS idx_agents_updated_at ON agents(updated_at)",

		// Capability indexes
		"CREATE INDEX IF NOT EXISTS idx_capabilities_capability ON capabilities(capability)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_capability_agent ON capabilities(capability, agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_function ON capabilities(function_name)",

		// Health event indexes
		"CREATE INDEX IF NOT EXISTS idx_health_events_agent_time ON health_events(agent_id, timestamp)",

		// Change event indexes
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON registry_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_type_time ON registry_events(event_type, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_resource_version ON registry_events(resource_version)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.Exec(indexSQL); err != nil {
			log.Printf("Warning: Failed to create index: %s - %v", indexSQL, err)
			// Index creation errors never fail initialization
		}
	}

	return db.checkSchemaVersion()
}

// checkSchemaVersion stamps new databases and refuses downgrades.
func (db *Database) checkSchemaVersion() error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&currentVersion)

	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if currentVersion > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, SchemaVersion)
	}

	if currentVersion < SchemaVersion {
		_, err := db.Exec(db.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			SchemaVersion, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}

		if currentVersion > 0 {
			log.Printf("Schema updated from version %d to %d", currentVersion, SchemaVersion)
		}
	}

	return nil
}

// Close closes the database connection.
func (db *Database) Close() error {
	return db.DB.Close()
}

// GetStats returns database statistics for the metrics endpoint.
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalAgents int64
	err := db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&totalAgents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total agent count: %w", err)
	}
	stats["total_agents"] = totalAgents

	rows, err := db.Query("SELECT namespace, COUNT(*) as count FROM agents GROUP BY namespace")
	if err != nil {
		return nil, fmt.Errorf("failed to get agent namespace counts: %w", err)
	}
	defer rows.Close()

	agentsByNamespace := make(map[string]int64)
	for rows.Next() {
		var namespace string
		var count int64
		if err := rows.Scan(&namespace, &count); err != nil {
			return nil, fmt.Errorf("failed to scan agent namespace counts: %w", err)
		}
		agentsByNamespace[namespace] = count
	}
	stats["agents_by_namespace"] = agentsByNamespace

	statusRows, err := db.Query("SELECT status, COUNT(*) as count FROM agents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to get agent status counts: %w", err)
	}
	defer statusRows.Close()

	agentsByStatus := make(map[string]int64)
	for statusRows.Next() {
		var status string
		var count int64
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan agent status counts: %w", err)
		}
		agentsByStatus[status] = count
	}
	stats["agents_by_status"] = agentsByStatus

	var uniqueCapabilities int64
	err = db.QueryRow("SELECT COUNT(DISTINCT capability) FROM capabilities").Scan(&uniqueCapabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to get unique capabilities count: %w", err)
	}
	stats["unique_capabilities"] = uniqueCapabilities

	oneHourAgo := time.Now().UTC().Add(-time.Hour)
	var recentEvents int64
	err = db.QueryRow(db.Rebind("SELECT COUNT(*) FROM registry_events WHERE timestamp > ?"), oneHourAgo).Scan(&recentEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events count: %w", err)
	}
	stats["recent_events_last_hour"] = recentEvents

	return stats, nil
}
