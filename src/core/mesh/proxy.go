package mesh

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// McpMeshAgent is the capability marker: a handler parameter of this type
// is a dependency slot, filled at call time with whatever provider the
// registry resolved. Proxies may be nil when the dependency is unavailable.
type McpMeshAgent interface {
	// Call invokes the remote tool with named arguments.
	Call(ctx context.Context, args map[string]interface{}) (interface{}, error)
	// Invoke is Call without arguments.
	Invoke(ctx context.Context) (interface{}, error)
}

// RemoteToolError is a JSON-RPC error returned by the remote tool, as
// opposed to a transport failure.
type RemoteToolError struct {
	Code    int
	Message string
}

func (e *RemoteToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote tool error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote tool error: %s", e.Message)
}

// MCPClientProxy calls one remote tool over JSON-RPC. Every invocation
// opens a fresh connection; no pool is shared, so external L4 load
// balancers see each call as a new flow.
type MCPClientProxy struct {
	endpoint     string
	functionName string
	kwargs       map[string]interface{}
	timeout      time.Duration
}

// NewMCPClientProxy creates a proxy for functionName at endpoint. kwargs
// come from the consumer's dependency declaration and ride along on every
// call without overriding caller-supplied arguments.
func NewMCPClientProxy(endpoint, functionName string, kwargs map[string]interface{}) *MCPClientProxy {
	return &MCPClientProxy{
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		functionName: functionName,
		kwargs:       kwargs,
		timeout:      30 * time.Second,
	}
}

// Call implements McpMeshAgent.
func (p *MCPClientProxy) Call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	merged := make(map[string]interface{}, len(p.kwargs)+len(args))
	for k, v := range p.kwargs {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return p.post(ctx, merged, nil)
}

// Invoke implements McpMeshAgent.
func (p *MCPClientProxy) Invoke(ctx context.Context) (interface{}, error) {
	return p.Call(ctx, nil)
}

// Endpoint returns the remote base URL the proxy dials.
func (p *MCPClientProxy) Endpoint() string { return p.endpoint }

// FunctionName returns the remote tool name.
func (p *MCPClientProxy) FunctionName() string { return p.functionName }

func (p *MCPClientProxy) post(ctx context.Context, args map[string]interface{}, headers map[string]string) (interface{}, error) {
	body, err := json.Marshal(jsonRPCRequest(p.functionName, args))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool call: %w", err)
	}

	// Trailing slash is mandatory: without it some servers 307-redirect
	// and the POST body is lost.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/mcp/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := freshClient(p.timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call to %s failed: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool call to %s returned HTTP %d", p.endpoint, resp.StatusCode)
	}

	payload, err := readRPCBody(resp)
	if err != nil {
		return nil, err
	}
	return extractResult(payload)
}

// FullMCPProxy extends MCPClientProxy with streaming and session affinity.
type FullMCPProxy struct {
	MCPClientProxy
}

// NewFullMCPProxy creates a streaming-capable proxy.
func NewFullMCPProxy(endpoint, functionName string, kwargs map[string]interface{}) *FullMCPProxy {
	return &FullMCPProxy{MCPClientProxy: *NewMCPClientProxy(endpoint, functionName, kwargs)}
}

// CallStreaming invokes the tool and yields result chunks as they arrive.
// The channel closes when the stream ends; a trailing error is delivered on
// the second channel.
func (p *FullMCPProxy) CallStreaming(ctx context.Context, args map[string]interface{}) (<-chan json.RawMessage, <-chan error) {
	chunks := make(chan json.RawMessage, 8)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		body, err := json.Marshal(jsonRPCRequest(p.functionName, args))
		if err != nil {
			errc <- err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/mcp/", bytes.NewReader(body))
		if err != nil {
			errc <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := freshClient(0).Do(req)
		if err != nil {
			errc <- fmt.Errorf("streaming call to %s failed: %w", p.endpoint, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errc <- fmt.Errorf("streaming call to %s returned HTTP %d", p.endpoint, resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			select {
			case chunks <- json.RawMessage(data):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- err
		}
	}()

	return chunks, errc
}

// CreateSession mints a session id for CallWithSession.
func (p *FullMCPProxy) CreateSession() string {
	return "session:" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// CallWithSession is Call with session affinity: the id rides both as an
// X-Session-ID header for routing middleware and as a session_id argument
// for the tool itself.
func (p *FullMCPProxy) CallWithSession(ctx context.Context, sessionID string, args map[string]interface{}) (interface{}, error) {
	merged := make(map[string]interface{}, len(p.kwargs)+len(args)+1)
	for k, v := range p.kwargs {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	merged["session_id"] = sessionID
	return p.post(ctx, merged, map[string]string{"X-Session-ID": sessionID})
}

// CloseSession tells the remote to drop session state. Errors are returned
// but sessions are best-effort; callers may ignore them.
func (p *FullMCPProxy) CloseSession(ctx context.Context, sessionID string) error {
	_, err := p.post(ctx, map[string]interface{}{
		"session_id": sessionID,
		"action":     "close_session",
	}, map[string]string{"X-Session-ID": sessionID})
	return err
}

// SelfDependencyProxy wires a tool to another tool in the same process. It
// calls the local wrapper directly, never opening a socket, so the callee's
// own injected dependencies stay live.
type SelfDependencyProxy struct {
	wrapper *Wrapper
}

// NewSelfDependencyProxy wraps a local tool wrapper.
func NewSelfDependencyProxy(wrapper *Wrapper) *SelfDependencyProxy {
	return &SelfDependencyProxy{wrapper: wrapper}
}

// Call implements McpMeshAgent.
func (p *SelfDependencyProxy) Call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return p.wrapper.Call(ctx, args)
}

// Invoke implements McpMeshAgent.
func (p *SelfDependencyProxy) Invoke(ctx context.Context) (interface{}, error) {
	return p.wrapper.Call(ctx, nil)
}

func jsonRPCRequest(functionName string, args map[string]interface{}) map[string]interface{} {
	if args == nil {
		args = map[string]interface{}{}
	}
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      functionName,
			"arguments": args,
		},
	}
}

// freshClient returns a client with keep-alives disabled so the connection
// is torn down after one call.
func freshClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// readRPCBody decodes either a plain JSON-RPC response or an SSE stream
// whose data: frames carry the response. The last complete frame wins.
func readRPCBody(resp *http.Response) (*rpcEnvelope, error) {
	contentType := resp.Header.Get("Content-Type")

	if strings.Contains(contentType, "text/event-stream") {
		var last []byte
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data != "" && data != "[DONE]" {
				last = []byte(data)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read SSE response: %w", err)
		}
		if last == nil {
			return nil, fmt.Errorf("SSE response carried no data frames")
		}
		var env rpcEnvelope
		if err := json.Unmarshal(last, &env); err != nil {
			return nil, fmt.Errorf("failed to decode SSE data frame: %w", err)
		}
		return &env, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode tool response: %w", err)
	}
	return &env, nil
}

// extractResult unwraps the JSON-RPC result. The MCP content envelope
// {content:[{type:"text",text:...}]} collapses to the plain string when it
// is the sole content item; everything else is returned decoded as-is.
func extractResult(env *rpcEnvelope) (interface{}, error) {
	if env.Error != nil {
		return nil, &RemoteToolError{Code: env.Error.Code, Message: env.Error.Message}
	}
	if len(env.Result) == 0 {
		return nil, nil
	}

	var contentWrapper struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(env.Result, &contentWrapper); err == nil && len(contentWrapper.Content) == 1 &&
		contentWrapper.Content[0].Type == "text" {
		text := contentWrapper.Content[0].Text
		// Structured payloads are often double-encoded into the text item.
		var decoded interface{}
		if err := json.Unmarshal([]byte(text), &decoded); err == nil {
			switch decoded.(type) {
			case map[string]interface{}, []interface{}, float64, bool:
				return decoded, nil
			}
		}
		return text, nil
	}

	var result interface{}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return result, nil
}
