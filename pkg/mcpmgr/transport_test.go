package mcpmgr

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestBuildStdioTransportCarriesCommandAndEnv(t *testing.T) {
	t.Parallel()

	cfg := &StdioServerConfig{
		Command: "npx",
		Args:    []string{"@modelcontextprotocol/server-everything"},
		Env:     map[string]string{"MCP_TEST": "1"},
	}
	transport, err := buildStdioTransport("stdio-example", cfg)
	if err != nil {
		t.Fatalf("buildStdioTransport error: %v", err)
	}
	cmdTransport, ok := transport.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("expected *mcp.CommandTransport, got %T", transport)
	}
	args := cmdTransport.Command.Args
	if len(args) != 2 || args[1] != "@modelcontextprotocol/server-everything" {
		t.Fatalf("unexpected args: %v", args)
	}
	if !envContains(cmdTransport.Command.Env, "MCP_TEST", "1") {
		t.Fatalf("env not propagated: %v", cmdTransport.Command.Env)
	}

	if _, err := buildStdioTransport("empty", &StdioServerConfig{}); err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestDecorateHTTPClientAddsHeadersAndSession(t *testing.T) {
	t.Parallel()

	tracker := newSessionIDTracker("session-stdio-http")
	headers := http.Header{"X-MCP-Source": []string{"registry-tests"}}
	providerCalled := false
	provider := func(ctx context.Context) (string, error) {
		providerCalled = true
		return "Bearer example-token", nil
	}

	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("X-MCP-Source"); got != "registry-tests" {
			t.Fatalf("decorated header missing, got %q", got)
		}
		if got := req.Header.Get(sessionIDHeaderName); got != "session-stdio-http" {
			t.Fatalf("session header missing, got %q", got)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer example-token" {
			t.Fatalf("auth header mismatch, got %q", got)
		}
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	})

	decorated := decorateHTTPClient(&http.Client{Transport: rt}, headers, tracker, provider)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://gitmcp.io/modelcontextprotocol/go-sdk", nil)
	if err != nil {
		t.Fatalf("request creation failed: %v", err)
	}
	resp, err := decorated.Do(req)
	if err != nil {
		t.Fatalf("decorated client Do error: %v", err)
	}
	_ = resp.Body.Close()
	if !providerCalled {
		t.Fatalf("auth provider was not invoked")
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("original request must not be mutated")
	}
}

func TestShouldPreferSSEHeuristic(t *testing.T) {
	t.Parallel()

	if shouldPreferSSE(&HTTPServerConfig{Endpoint: "https://gitmcp.io/modelcontextprotocol/go-sdk"}) {
		t.Fatalf("did not expect SSE preference for non-sse endpoint")
	}
	if !shouldPreferSSE(&HTTPServerConfig{Endpoint: "https://gitmcp.io/modelcontextprotocol/go-sdk/sse"}) {
		t.Fatalf("expected SSE preference for /sse endpoint")
	}
	override := true
	if !shouldPreferSSE(&HTTPServerConfig{Endpoint: "https://gitmcp.io/modelcontextprotocol/go-sdk", PreferSSE: &override}) {
		t.Fatalf("explicit PreferSSE=true should win")
	}
}

func TestResolveRPCLoggerPrecedence(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if r.resolveRPCLogger(&BaseServerConfig{}) != nil {
		t.Fatalf("no logger expected when logging is disabled")
	}
	if r.resolveRPCLogger(&BaseServerConfig{LogJSONRPC: true}) == nil {
		t.Fatalf("LogJSONRPC should install the default logger")
	}

	var got []RPCDirection
	custom := func(ev RPCLogEvent) { got = append(got, ev.Direction) }
	logger := r.resolveRPCLogger(&BaseServerConfig{RPCLogger: custom})
	logger(RPCLogEvent{Direction: RPCDirectionSend})
	if len(got) != 1 || got[0] != RPCDirectionSend {
		t.Fatalf("custom logger not used: %v", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func envContains(env []string, key, value string) bool {
	target := key + "=" + value
	for _, item := range env {
		if item == target {
			return true
		}
	}
	return false
}
