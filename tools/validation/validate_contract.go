// Contract validation tool.
//
// Loads the registry OpenAPI document, validates it, brings up an in-process
// registry server, and replays an endpoint suite against it, checking every
// response body against the contract schemas.
//
// Usage:
//   go run validate_contract.go <openapi_spec_path> [test_suite_path]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"agentmesh/src/core/config"
	"agentmesh/src/core/database"
	"agentmesh/src/core/logger"
	"agentmesh/src/core/registry"
)

// ContractValidator validates live responses against an OpenAPI document.
type ContractValidator struct {
	spec   *openapi3.T
	router routers.Router
}

// NewContractValidator loads and validates the OpenAPI document.
func NewContractValidator(specPath string) (*ContractValidator, error) {
	loader := &openapi3.Loader{Context: context.Background()}
	spec, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	if err := spec.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &ContractValidator{spec: spec, router: router}, nil
}

// ValidateResponse checks one response body against the schema declared for
// its route and status code.
func (cv *ContractValidator) ValidateResponse(method, path string, statusCode int, body []byte) error {
	route, pathParams, err := cv.router.FindRoute(&http.Request{
		Method: method,
		URL:    &url.URL{Path: path},
	})
	if err != nil {
		return fmt.Errorf("route not found: %w", err)
	}

	req := &http.Request{
		Method: method,
		URL:    &url.URL{Path: path},
		Header: make(http.Header),
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status: statusCode,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}

	if err := openapi3filter.ValidateResponse(context.Background(), input); err != nil {
		return fmt.Errorf("response validation failed: %w", err)
	}
	return nil
}

// TestEndpoint is one replayed request.
type TestEndpoint struct {
	Method       string                 `yaml:"method"`
	Path         string                 `yaml:"path"`
	ExpectedCode int                    `yaml:"expected_code"`
	RequestBody  map[string]interface{} `yaml:"request_body,omitempty"`
	Description  string                 `yaml:"description"`
}

// TestSuite is an ordered list of endpoint replays. Order matters: earlier
// registrations set up state for later discovery calls.
type TestSuite struct {
	Name      string         `yaml:"name"`
	Endpoints []TestEndpoint `yaml:"endpoints"`
}

// RunContractTests replays the suite against a live server.
func (cv *ContractValidator) RunContractTests(server *httptest.Server, testSuite TestSuite) error {
	fmt.Printf("Running contract tests for: %s\n", testSuite.Name)

	passed := 0
	total := len(testSuite.Endpoints)

	for i, endpoint := range testSuite.Endpoints {
		fmt.Printf("  Test %d/%d: %s %s\n", i+1, total, endpoint.Method, endpoint.Path)

		if err := cv.testEndpoint(server, endpoint); err != nil {
			fmt.Printf("    FAILED: %s\n", err)
			continue
		}

		fmt.Printf("    PASSED: %s\n", endpoint.Description)
		passed++
	}

	fmt.Printf("\nResults: %d/%d tests passed\n", passed, total)

	if passed < total {
		return fmt.Errorf("contract validation failed: %d/%d tests failed", total-passed, total)
	}
	return nil
}

func (cv *ContractValidator) testEndpoint(server *httptest.Server, endpoint TestEndpoint) error {
	body := bytes.NewBuffer(nil)
	if endpoint.RequestBody != nil {
		jsonBody, err := json.Marshal(endpoint.RequestBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(endpoint.Method, server.URL+endpoint.Path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if endpoint.RequestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != endpoint.ExpectedCode {
		return fmt.Errorf("unexpected status code: expected %d, got %d", endpoint.ExpectedCode, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// HEAD and 204 responses carry no body to validate.
	if endpoint.Method == http.MethodHead || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return cv.ValidateResponse(endpoint.Method, endpoint.Path, resp.StatusCode, respBody)
}

// defaultTestSuite exercises the full registry surface in dependency order.
func defaultTestSuite() TestSuite {
	heartbeat := func(agentID, capability string, deps []map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"agent_id":  agentID,
			"http_host": "localhost",
			"http_port": 9090,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"tools": []map[string]interface{}{{
				"function_name": "fn_" + capability,
				"capability":    capability,
				"version":       "1.0.0",
				"dependencies":  deps,
			}},
		}
	}

	return TestSuite{
		Name: "AgentMesh Registry Contract Tests",
		Endpoints: []TestEndpoint{
			{Method: "GET", Path: "/", ExpectedCode: 200, Description: "Root endpoint returns valid schema"},
			{Method: "GET", Path: "/health", ExpectedCode: 200, Description: "Health check endpoint returns valid schema"},
			{
				Method: "POST", Path: "/agents/heartbeat", ExpectedCode: 200,
				RequestBody: heartbeat("date-contract-01", "date_service", nil),
				Description: "Provider registration returns valid schema",
			},
			{
				Method: "POST", Path: "/agents/heartbeat", ExpectedCode: 200,
				RequestBody: heartbeat("hello-contract-01", "greeting",
					[]map[string]interface{}{{"capability": "date_service"}}),
				Description: "Consumer registration resolves dependencies with valid schema",
			},
			{Method: "GET", Path: "/agents", ExpectedCode: 200, Description: "Agent listing returns valid schema"},
			{Method: "GET", Path: "/agents/hello-contract-01", ExpectedCode: 200, Description: "Agent detail returns valid schema"},
			{Method: "GET", Path: "/capabilities", ExpectedCode: 200, Description: "Capability search returns valid schema"},
			{Method: "GET", Path: "/health/hello-contract-01", ExpectedCode: 200, Description: "Agent health returns valid schema"},
			{Method: "GET", Path: "/metrics", ExpectedCode: 200, Description: "Metrics snapshot returns valid schema"},
			{Method: "HEAD", Path: "/agents/heartbeat/hello-contract-01", ExpectedCode: 200, Description: "Fast heartbeat reports unchanged topology"},
			{Method: "DELETE", Path: "/agents/hello-contract-01", ExpectedCode: 204, Description: "Unregister returns no content"},
			{Method: "HEAD", Path: "/agents/heartbeat/hello-contract-01", ExpectedCode: 410, Description: "Fast heartbeat reports unknown agent after unregister"},
		},
	}
}

// startRegistry brings up an in-process registry on an in-memory store.
func startRegistry() (*httptest.Server, func(), error) {
	gin.SetMode(gin.ReleaseMode)

	db, err := database.Initialize(&database.Config{
		DatabaseURL:        ":memory:",
		BusyTimeout:        5000,
		JournalMode:        "MEMORY",
		Synchronous:        "OFF",
		EnableForeignKeys:  true,
		MaxOpenConnections: 1,
		MaxIdleConnections: 1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cfg := &config.Config{
		LogLevel:                 "ERROR",
		CacheTTL:                 30,
		HealthCheckInterval:      3600,
		DefaultTimeoutThreshold:  20,
		DefaultEvictionThreshold: 60,
	}
	log := logger.New(cfg)

	server, err := registry.NewServer(db, cfg, log)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to assemble registry: %w", err)
	}

	ts := httptest.NewServer(server.Engine())
	cleanup := func() {
		ts.Close()
		db.Close()
	}
	return ts, cleanup, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run validate_contract.go <openapi_spec_path> [test_suite_path]")
		os.Exit(1)
	}

	specPath := os.Args[1]
	if _, err := os.Stat(specPath); os.IsNotExist(err) {
		log.Fatalf("OpenAPI spec file not found: %s", specPath)
	}

	validator, err := NewContractValidator(specPath)
	if err != nil {
		log.Fatalf("Failed to create validator: %v", err)
	}
	fmt.Printf("OpenAPI specification loaded and validated: %s\n", specPath)

	var testSuite TestSuite
	if len(os.Args) >= 3 {
		data, err := os.ReadFile(os.Args[2])
		if err != nil {
			log.Fatalf("Failed to read test suite: %v", err)
		}
		if err := yaml.Unmarshal(data, &testSuite); err != nil {
			log.Fatalf("Failed to parse test suite: %v", err)
		}
	} else {
		testSuite = defaultTestSuite()
	}
	fmt.Printf("Test suite loaded: %s (%d endpoints)\n", testSuite.Name, len(testSuite.Endpoints))

	server, cleanup, err := startRegistry()
	if err != nil {
		log.Fatalf("Failed to start registry: %v", err)
	}
	defer cleanup()

	if err := validator.RunContractTests(server, testSuite); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Contract validation completed successfully")
}
