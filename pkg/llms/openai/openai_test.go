package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/engine"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func (c *capture) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[len(c.bodies)-1]
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.mu.Unlock()
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

const toolCallReply = `{
  "id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
  "choices": [{
    "index": 0, "finish_reason": "tool_calls",
    "message": {"role": "assistant", "content": null, "tool_calls": [
      {"id": "call_1", "type": "function", "function": {"name": "serverA_search", "arguments": "{\"q\":\"golang\"}"}},
      {"id": "call_2", "type": "function", "function": {"name": "fetch", "arguments": "not json"}}
    ]}
  }]
}`

const answerReply = `{
  "id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "test-model",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "done"}}]
}`

func descriptors() []catalog.ToolDescriptor {
	return []catalog.ToolDescriptor{
		{Name: "serverA.search", ServerID: "serverA", OriginalName: "search", Description: "search A",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}}},
		{Name: "fetch", ServerID: "serverA", OriginalName: "fetch"},
	}
}

func TestRespondMapsToolCalls(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, toolCallReply)
	m := New(&Options{APIKey: "sk-test", BaseURL: srv.URL, Model: "test-model"})

	turns := []engine.Turn{
		{Role: engine.RoleSystem, Content: "be useful"},
		{Role: engine.RoleUser, Content: "find golang"},
	}
	resp, err := m.Respond(context.Background(), turns, descriptors())
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "serverA.search", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"q": "golang"}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, "fetch", resp.ToolCalls[1].Name)
	assert.Nil(t, resp.ToolCalls[1].Arguments)

	body := c.last()
	assert.Equal(t, "test-model", body["model"])
	assert.Equal(t, "Bearer sk-test", c.auth[0])

	tools := body["tools"].([]any)
	require.Len(t, tools, 2)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "serverA_search", fn["name"])
	assert.Equal(t, "search A", fn["description"])
	fn = tools[1].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "fetch", fn["name"])
	assert.Equal(t, "object", fn["parameters"].(map[string]any)["type"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestRespondSendsExchangesAsToolMessages(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, answerReply)
	m := New(&Options{BaseURL: srv.URL})

	turns := []engine.Turn{
		{Role: engine.RoleSystem, Content: "sys"},
		{Role: engine.RoleUser, Content: "q"},
		{Role: engine.RoleAssistant, Exchanges: []engine.Exchange{
			{
				Request: engine.ToolCall{ID: "call_1", Name: "serverA.search", Arguments: map[string]any{"q": "x"}},
				Result:  router.Result{Status: router.StatusOK, Text: "hit"},
			},
			{
				Request: engine.ToolCall{ID: "call_2", Name: "fetch"},
				Result:  router.Result{Status: router.StatusTimeout, Text: "timed out after 1s"},
			},
		}},
	}
	resp, err := m.Respond(context.Background(), turns, descriptors())
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Empty(t, resp.ToolCalls)

	body := c.last()
	assert.Equal(t, DefaultModel, body["model"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 5)

	assistant := msgs[2].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	calls := assistant["tool_calls"].([]any)
	require.Len(t, calls, 2)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "serverA_search", fn["name"])
	assert.JSONEq(t, `{"q":"x"}`, fn["arguments"].(string))
	fn = calls[1].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "{}", fn["arguments"])

	first := msgs[3].(map[string]any)
	assert.Equal(t, "tool", first["role"])
	assert.Equal(t, "call_1", first["tool_call_id"])
	assert.Equal(t, "hit", first["content"])
	second := msgs[4].(map[string]any)
	assert.Equal(t, "call_2", second["tool_call_id"])
	assert.Equal(t, "timeout: timed out after 1s", second["content"])
}

func TestRespondErrors(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadRequest, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	_, err := New(&Options{BaseURL: srv.URL}).Respond(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")

	srv, _ = newServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	_, err = New(&Options{BaseURL: srv.URL}).Respond(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestFunctionNames(t *testing.T) {
	names := newFunctionNames([]catalog.ToolDescriptor{
		{Name: "a.b"},
		{Name: "a_b"},
		{Name: "x y"},
		{Name: strings.Repeat("n", 70) + ".z"},
	})
	assert.Equal(t, "a_b", names.wire("a_b"))
	assert.Equal(t, "a_b_2", names.wire("a.b"))
	assert.Equal(t, "x_y", names.wire("x y"))
	assert.Len(t, names.wire(strings.Repeat("n", 70)+".z"), maxFunctionName)

	assert.Equal(t, "a.b", names.catalog("a_b_2"))
	assert.Equal(t, "a_b", names.catalog("a_b"))
	assert.Equal(t, "invented", names.catalog("invented"))
}
