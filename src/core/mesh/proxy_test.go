package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcHandler builds a tool server for proxy tests. respond gets the decoded
// params and writes the response.
func rpcHandler(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, params map[string]interface{})) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/mcp/", r.URL.Path, "proxy must POST with trailing slash")

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &envelope))
		assert.Equal(t, "2.0", envelope["jsonrpc"])
		assert.Equal(t, "tools/call", envelope["method"])

		params := envelope["params"].(map[string]interface{})
		respond(w, r, params)
	}
}

func TestMCPClientProxy(t *testing.T) {
	t.Run("PlainJSONResponse", func(t *testing.T) {
		server := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, r *http.Request, params map[string]interface{}) {
			assert.Equal(t, "get_date", params["name"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"2026-08-25"}]}}`)
		}))
		defer server.Close()

		proxy := NewMCPClientProxy(server.URL, "get_date", nil)
		result, err := proxy.Invoke(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2026-08-25", result, "sole text content collapses to a string")
	})

	t.Run("SSEResponse", func(t *testing.T) {
		server := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, r *http.Request, params map[string]interface{}) {
			assert.Contains(t, r.Header.Get("Accept"), "text/event-stream")
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: message\n")
			fmt.Fprint(w, `data: {"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{\"sum\":42}"}]}}`+"\n\n")
		}))
		defer server.Close()

		proxy := NewMCPClientProxy(server.URL, "add", nil)
		result, err := proxy.Call(context.Background(), map[string]interface{}{"a": 40, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"sum": float64(42)}, result,
			"double-encoded structured payloads decode transparently")
	})

	t.Run("JSONRPCErrorBecomesRemoteToolError", func(t *testing.T) {
		server := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, r *http.Request, params map[string]interface{}) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"tool exploded"}}`)
		}))
		defer server.Close()

		proxy := NewMCPClientProxy(server.URL, "boom", nil)
		_, err := proxy.Invoke(context.Background())
		require.Error(t, err)

		var remoteErr *RemoteToolError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, -32000, remoteErr.Code)
		assert.Contains(t, remoteErr.Message, "tool exploded")
	})

	t.Run("DeclaredKwargsRideAlong", func(t *testing.T) {
		server := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, r *http.Request, params map[string]interface{}) {
			args := params["arguments"].(map[string]interface{})
			assert.Equal(t, "celsius", args["unit"])
			assert.Equal(t, "berlin", args["city"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"21"}`)
		}))
		defer server.Close()

		proxy := NewMCPClientProxy(server.URL, "weather", map[string]interface{}{"unit": "celsius"})
		result, err := proxy.Call(context.Background(), map[string]interface{}{"city": "berlin"})
		require.NoError(t, err)
		assert.Equal(t, "21", result)
	})

	t.Run("CallerArgumentsWinOverKwargs", func(t *testing.T) {
		server := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, r *http.Request, params map[string]interface{}) {
			args := params["arguments"].(map[string]interface{})
			assert.Equal(t, "fahrenheit", args["unit"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"70"}`)
		}))
		defer server.Close()

		proxy := NewMCPClientProxy(server.URL, "weather", map[string]interface{}{"unit": "celsius"})
		_, err := proxy.Call(context.Background(), map[string]interface{}{"unit": "fahrenheit"})
		require.NoError(t, err)
	})

	t.Run("HTTPErrorStatus", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		proxy := NewMCPClientProxy(server.URL, "x", nil)
		_, err := proxy.Invoke(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestFullMCPProxy(t *testing.T) {
	t.Run("CallStreamingYieldsChunks", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"chunk\":1}\n\n")
			fmt.Fprint(w, "data: {\"chunk\":2}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
		defer server.Close()

		proxy := NewFullMCPProxy(server.URL, "stream_tool", nil)
		chunks, errc := proxy.CallStreaming(context.Background(), nil)

		var got []string
		for chunk := range chunks {
			got = append(got, string(chunk))
		}
		require.NoError(t, <-errc)
		assert.Equal(t, []string{`{"chunk":1}`, `{"chunk":2}`}, got)
	})

	t.Run("SessionAffinity", func(t *testing.T) {
		var seenHeader, seenArg string
		server := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, r *http.Request, params map[string]interface{}) {
			seenHeader = r.Header.Get("X-Session-ID")
			args := params["arguments"].(map[string]interface{})
			seenArg, _ = args["session_id"].(string)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"ok"}`)
		}))
		defer server.Close()

		proxy := NewFullMCPProxy(server.URL, "chat", nil)
		session := proxy.CreateSession()
		assert.True(t, strings.HasPrefix(session, "session:"))
		assert.Len(t, strings.TrimPrefix(session, "session:"), 16)

		_, err := proxy.CallWithSession(context.Background(), session, map[string]interface{}{"msg": "hi"})
		require.NoError(t, err)
		assert.Equal(t, session, seenHeader, "session id must ride the X-Session-ID header")
		assert.Equal(t, session, seenArg, "session id must echo as a call argument")

		require.NoError(t, proxy.CloseSession(context.Background(), session))
	})
}

func TestSelfDependencyProxy(t *testing.T) {
	log := newTestLogger()
	fn := func(args map[string]interface{}) (string, error) {
		name, _ := args["name"].(string)
		return "hello " + name, nil
	}
	w, err := newWrapper("svc.greet", "greet", fn, 0, log)
	require.NoError(t, err)

	proxy := NewSelfDependencyProxy(w)
	result, err := proxy.Call(context.Background(), map[string]interface{}{"name": "local"})
	require.NoError(t, err)
	assert.Equal(t, "hello local", result)
}
