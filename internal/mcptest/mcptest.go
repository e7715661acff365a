// Package mcptest runs small in-memory MCP tool servers for tests.
package mcptest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HandlerFunc implements a test tool. A returned error is reported to the
// client as a tool error carrying the error text.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool describes one tool exposed by a test server.
type Tool struct {
	Name        string
	Description string
	// Schema is the input schema; an empty object schema is used when nil.
	Schema  map[string]any
	Handler HandlerFunc
}

// Server is a running in-memory MCP server.
type Server struct {
	Name string
	// Calls counts tools/call requests received.
	Calls atomic.Int64

	server *mcp.Server
	conns  []*mcp.ServerSession
}

// Echo returns a tool that replies with "<name>:<text>".
func Echo(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes the text argument",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return name + ":" + text, nil
		},
	}
}

// New builds a server with the given tools. Call Transport to obtain a
// client transport connected to it.
func New(name string, tools ...Tool) *Server {
	s := &Server{
		Name:   name,
		server: mcp.NewServer(&mcp.Implementation{Name: name, Version: "v0.0.1"}, nil),
	}
	for _, tool := range tools {
		s.Add(tool)
	}
	return s
}

// Add registers a tool on the running server.
func (s *Server) Add(tool Tool) {
	schema := tool.Schema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	handler := tool.Handler
	s.server.AddTool(&mcp.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.Calls.Add(1)
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		if handler == nil {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
		}
		text, err := handler(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
	})
}

// Remove unregisters tools by name.
func (s *Server) Remove(names ...string) {
	s.server.RemoveTools(names...)
}

// Transport connects the server to a fresh in-memory pipe and returns the
// client half. The server side is closed when the test ends.
func (s *Server) Transport(t testing.TB) mcp.Transport {
	t.Helper()
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := s.server.Connect(context.Background(), serverT, nil)
	if err != nil {
		t.Fatalf("mcptest: connect server %s: %v", s.Name, err)
	}
	s.conns = append(s.conns, ss)
	t.Cleanup(func() { _ = ss.Close() })
	return clientT
}

// CloseSessions drops every client connection, simulating a server crash.
func (s *Server) CloseSessions() {
	for _, ss := range s.conns {
		_ = ss.Close()
	}
	s.conns = nil
}
