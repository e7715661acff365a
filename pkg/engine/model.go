package engine

import (
	"context"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
)

//go:generate mockgen -source=model.go -destination=../../mocks/mockengine/model_mock.gen.go -package mockengine

// Model is the language-model capability. One call per turn: the response
// either carries a final answer (no tool calls) or a batch of tool calls.
type Model interface {
	Respond(ctx context.Context, turns []Turn, tools []catalog.ToolDescriptor) (*Response, error)
}

// Response is one model turn.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolCall is a request from the model to run a tool.
type ToolCall struct {
	// ID correlates the call with its result; filled in when the model omits it.
	ID        string
	Name      string
	Arguments map[string]any
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, turns []Turn, tools []catalog.ToolDescriptor) (*Response, error)

func (f ModelFunc) Respond(ctx context.Context, turns []Turn, tools []catalog.ToolDescriptor) (*Response, error) {
	return f(ctx, turns, tools)
}
