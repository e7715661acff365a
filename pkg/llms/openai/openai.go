// Package openai implements engine.Model over any OpenAI-compatible chat
// completions endpoint (OpenAI, Groq, Together, local servers).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/engine"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"

	maxFunctionName = 64
)

// ErrEmptyResponse is returned when the endpoint answers without choices.
var ErrEmptyResponse = errors.New("empty response")

// Options configure a Model.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// Temperature is sent only when non-nil.
	Temperature *float64
	// MaxTokens is sent only when positive.
	MaxTokens int64
	// MaxRetries overrides the client's retry count when positive.
	MaxRetries int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Model is an engine.Model backed by the chat completions API.
type Model struct {
	client oai.Client
	opts   Options
}

var _ engine.Model = (*Model)(nil)

// New returns a Model.
func New(opts *Options) *Model {
	o := opts.withDefaults()
	reqOpts := []option.RequestOption{
		option.WithAPIKey(o.APIKey),
		option.WithBaseURL(o.BaseURL),
	}
	if o.MaxRetries > 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(o.MaxRetries))
	}
	if o.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.HTTPClient))
	}
	return &Model{client: oai.NewClient(reqOpts...), opts: o}
}

// Respond sends the conversation and the tool catalog, and maps the first
// choice back to an engine.Response.
func (m *Model) Respond(ctx context.Context, turns []engine.Turn, tools []catalog.ToolDescriptor) (*engine.Response, error) {
	names := newFunctionNames(tools)

	params := oai.ChatCompletionNewParams{
		Model:    m.opts.Model,
		Messages: messages(turns, names),
	}
	for _, d := range tools {
		params.Tools = append(params.Tools, toolParam(d, names.wire(d.Name)))
	}
	if m.opts.Temperature != nil {
		params.Temperature = oai.Float(*m.opts.Temperature)
	}
	if m.opts.MaxTokens > 0 {
		params.MaxTokens = oai.Int(m.opts.MaxTokens)
	}

	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "chat completion")
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	msg := completion.Choices[0].Message
	resp := &engine.Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		call := engine.ToolCall{ID: tc.ID, Name: names.catalog(tc.Function.Name)}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Arguments); err != nil {
				// the call still goes out so the tool's error reaches the model
				m.opts.Logger.Warn("malformed tool arguments", "tool", call.Name, "error", err)
				call.Arguments = nil
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	m.opts.Logger.Debug("model responded",
		"model", completion.Model,
		"finish_reason", completion.Choices[0].FinishReason,
		"tool_calls", len(resp.ToolCalls))
	return resp, nil
}

func messages(turns []engine.Turn, names *functionNames) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case engine.RoleSystem:
			out = append(out, oai.SystemMessage(t.Content))
		case engine.RoleUser:
			out = append(out, oai.UserMessage(t.Content))
		case engine.RoleAssistant:
			if len(t.Exchanges) == 0 {
				out = append(out, oai.AssistantMessage(t.Content))
				continue
			}
			var assistant oai.ChatCompletionAssistantMessageParam
			if t.Content != "" {
				assistant.Content.OfString = oai.String(t.Content)
			}
			for _, ex := range t.Exchanges {
				assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: ex.Request.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      names.wire(ex.Request.Name),
						Arguments: encodeArguments(ex.Request.Arguments),
					},
				})
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			for _, ex := range t.Exchanges {
				out = append(out, oai.ToolMessage(ex.Result.String(), ex.Request.ID))
			}
		}
	}
	return out
}

func toolParam(d catalog.ToolDescriptor, name string) oai.ChatCompletionToolParam {
	fn := oai.FunctionDefinitionParam{
		Name:       name,
		Parameters: parameters(d.InputSchema),
	}
	if d.Description != "" {
		fn.Description = oai.String(d.Description)
	}
	return oai.ChatCompletionToolParam{Function: fn}
}

func parameters(schema any) oai.FunctionParameters {
	if m, ok := schema.(map[string]any); ok && len(m) > 0 {
		return m
	}
	if schema != nil {
		if raw, err := json.Marshal(schema); err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil && len(m) > 0 {
				return m
			}
		}
	}
	return oai.FunctionParameters{"type": "object", "properties": map[string]any{}}
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// functionNames maps catalog names to function names the API accepts and
// back. Catalog names may contain the namespace separator, which the API
// rejects.
type functionNames struct {
	toWire    map[string]string
	toCatalog map[string]string
}

func newFunctionNames(tools []catalog.ToolDescriptor) *functionNames {
	n := &functionNames{
		toWire:    make(map[string]string, len(tools)),
		toCatalog: make(map[string]string, len(tools)),
	}
	// valid names keep themselves; the rest must not take one of those
	for _, d := range tools {
		if sanitizeName(d.Name) == d.Name {
			n.toWire[d.Name] = d.Name
			n.toCatalog[d.Name] = d.Name
		}
	}
	for _, d := range tools {
		if _, ok := n.toWire[d.Name]; ok {
			continue
		}
		base := sanitizeName(d.Name)
		wire := base
		for i := 2; ; i++ {
			if _, taken := n.toCatalog[wire]; !taken {
				break
			}
			suffix := fmt.Sprintf("_%d", i)
			wire = truncate(base, maxFunctionName-len(suffix)) + suffix
		}
		n.toWire[d.Name] = wire
		n.toCatalog[wire] = d.Name
	}
	return n
}

func (n *functionNames) wire(name string) string {
	if w, ok := n.toWire[name]; ok {
		return w
	}
	return sanitizeName(name)
}

// catalog returns the catalog name for a function name. Names the model
// invented pass through so the router reports them as unknown.
func (n *functionNames) catalog(name string) string {
	if c, ok := n.toCatalog[name]; ok {
		return c
	}
	return name
}

func sanitizeName(name string) string {
	s := invalidNameChars.ReplaceAllString(name, "_")
	if s == "" {
		s = "tool"
	}
	return truncate(s, maxFunctionName)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
