package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
	"agentmesh/src/core/registry"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	var (
		host        = flag.String("host", "", "Host to bind the server to (overrides HOST env var)")
		port        = flag.Int("port", 0, "Port to bind the server to (overrides PORT env var)")
		showVersion = flag.Bool("version", false, "Show version information")
		help        = flag.Bool("help", false, "Show help information")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "AgentMesh Registry Service\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --host 0.0.0.0 --port 9000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  HOST                      - Host to bind to (default: localhost)\n")
		fmt.Fprintf(os.Stderr, "  PORT                      - Port to bind to (default: 8000)\n")
		fmt.Fprintf(os.Stderr, "  DATABASE_URL              - sqlite path, :memory:, or postgres:// URL (default: agentmesh_registry.db)\n")
		fmt.Fprintf(os.Stderr, "  MCP_MESH_LOG_LEVEL        - Log level (TRACE, DEBUG, INFO, WARNING, ERROR, CRITICAL) (default: INFO)\n")
		fmt.Fprintf(os.Stderr, "                              TRACE enables SQL query logging, DEBUG is for general debugging\n")
		fmt.Fprintf(os.Stderr, "  MCP_MESH_DEBUG_MODE       - Enable debug mode (true/false, 1/0, yes/no) - forces DEBUG level\n")
		fmt.Fprintf(os.Stderr, "  HEALTH_CHECK_INTERVAL     - Reaper interval in seconds (default: 30)\n")
		fmt.Fprintf(os.Stderr, "  DEFAULT_TIMEOUT_THRESHOLD - Agent heartbeat timeout in seconds (default: 60)\n")
		fmt.Fprintf(os.Stderr, "  DEFAULT_EVICTION_THRESHOLD - Agent eviction deadline in seconds (default: 120)\n")
		fmt.Fprintf(os.Stderr, "  MCP_MESH_HEALTH_CONFIG    - YAML file with per-agent-type thresholds\n")
		fmt.Fprintf(os.Stderr, "  CACHE_TTL                 - Response cache TTL in seconds (default: 30)\n")
		fmt.Fprintf(os.Stderr, "  REDIS_URL                 - Redis URL for event mirroring and trace ingestion\n")
		fmt.Fprintf(os.Stderr, "  MCP_MESH_DISTRIBUTED_TRACING_ENABLED - Enable the trace pipeline (true/false, default: false)\n")
		fmt.Fprintf(os.Stderr, "  TELEMETRY_ENDPOINT        - OTLP collector endpoint for exported spans\n")
		fmt.Fprintf(os.Stderr, "\nThe registry service provides:\n")
		fmt.Fprintf(os.Stderr, "  - Agent registration and discovery\n")
		fmt.Fprintf(os.Stderr, "  - Capability-based dependency resolution\n")
		fmt.Fprintf(os.Stderr, "  - Health monitoring and heartbeat tracking\n")
		fmt.Fprintf(os.Stderr, "  - PASSIVE pull-based architecture\n")
	}

	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	if *showVersion {
		fmt.Printf("AgentMesh Registry %s\n", version)
		fmt.Println("Central service discovery and agent coordination for AgentMesh")
		return
	}

	cfg := config.LoadFromEnv()

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	appLogger := logger.New(cfg)

	// Gin mode must be set before any engine is created.
	appLogger.SetGinMode()

	appLogger.Info("Starting AgentMesh Registry Service | %s", appLogger.GetStartupBanner())

	appLogger.Info("Initializing database: %s", cfg.GetDatabaseURL())
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		appLogger.Error("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Warning("Failed to close database: %v", err)
		}
	}()

	registry.ServerVersion = version
	server, err := registry.NewServer(db, cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to assemble registry server: %v", err)
		os.Exit(1)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan

		appLogger.Info("Received signal %v, initiating graceful shutdown...", sig)

		if err := server.Stop(); err != nil {
			appLogger.Error("Error during server shutdown: %v", err)
		}

		appLogger.Info("Registry service stopped")
		os.Exit(0)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	appLogger.Info("AgentMesh Registry Service listening on %s", addr)
	if err := server.Run(addr); err != nil {
		appLogger.Error("Failed to start server: %v", err)
		os.Exit(1)
	}
}
