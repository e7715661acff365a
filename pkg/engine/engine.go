// Package engine drives the conversation between a model and the tool
// catalog: model turn, tool batch, model turn, until the model answers or the
// turn limit trips.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/metricskey"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

var (
	// ErrTurnLimitExceeded aborts a conversation that keeps requesting tools.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrModelFailure aborts a conversation whose model call failed.
	ErrModelFailure = errors.New("model capability failure")
)

// DefaultSystemPrompt is used when Options.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful assistant with access to tools from several servers. " +
	"Call tools when they help answer the question, using the exact tool names listed. " +
	"When a tool reports an error, correct the call or explain the problem. " +
	"Reply without tool calls once you have the final answer."

// Role of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Exchange pairs a tool call with its result.
type Exchange struct {
	Request ToolCall
	Result  router.Result
}

// Turn is one entry of the conversation state. Assistant turns that
// requested tools carry the exchanges in request order.
type Turn struct {
	Role      Role
	Content   string
	Exchanges []Exchange
}

// State of the conversation machine.
type State string

const (
	StateAwaitingModel State = "awaiting_model"
	StateDispatching   State = "dispatching"
	StateDone          State = "done"
	StateAborted       State = "aborted"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// CatalogSource supplies the catalog presented to the model.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Invoker executes one tool call. *router.Router implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) router.Result
}

// pinner is implemented by invokers that can resolve names against the
// catalog snapshot a conversation started with.
type pinner interface {
	Pin(cat *catalog.Catalog) *router.Router
}

// Options configure an Engine.
type Options struct {
	// MaxTurns caps the number of model turns per query. Defaults to 10.
	MaxTurns int
	// ToolTimeout is passed to the invoker for each call. Zero lets the
	// invoker apply its default.
	ToolTimeout time.Duration
	// SystemPrompt precedes the rendered tool catalog in the system turn.
	SystemPrompt string
	// OnTransition observes state changes.
	OnTransition func(from, to State)
	Logger       *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 10
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Outcome is the terminal result of Run. Aborted outcomes keep the partial
// history in Turns.
type Outcome struct {
	ID     string
	State  State
	Answer string
	Turns  []Turn
	// ToolCalls counts dispatched calls; Timeouts counts those that timed out.
	ToolCalls int
	Timeouts  int
	Err       error
}

// Engine runs conversations. It holds no per-conversation state and may be
// shared.
type Engine struct {
	model   Model
	catalog CatalogSource
	invoker Invoker
	opts    Options
}

// New returns an Engine.
func New(model Model, catalog CatalogSource, invoker Invoker, opts *Options) *Engine {
	return &Engine{model: model, catalog: catalog, invoker: invoker, opts: opts.withDefaults()}
}

// Run answers one query.
func (e *Engine) Run(ctx context.Context, query string) *Outcome {
	return e.run(ctx, nil, query)
}

type machine struct {
	e       *Engine
	out     *Outcome
	logger  *slog.Logger
	started time.Time
}

func (m *machine) transition(to State) {
	from := m.out.State
	m.out.State = to
	m.logger.Debug("state", "from", from, "to", to)
	if m.e.opts.OnTransition != nil {
		m.e.opts.OnTransition(from, to)
	}
}

func (m *machine) finish(state State, err error) *Outcome {
	m.out.Err = err
	m.transition(state)
	metricskey.StatsConversations.IncrCounter(1, string(state))
	metricskey.PerfConversation.MeasureSince(m.started, string(state))
	if err != nil {
		m.logger.Warn("conversation aborted", "turns", len(m.out.Turns), "error", err)
	} else {
		m.logger.Info("conversation done", "turns", len(m.out.Turns), "tool_calls", m.out.ToolCalls)
	}
	return m.out
}

func (e *Engine) run(ctx context.Context, history []Turn, query string) *Outcome {
	out := &Outcome{ID: uuid.NewString(), State: StateAwaitingModel}
	m := &machine{e: e, out: out, logger: e.opts.Logger.With("conversation", out.ID), started: time.Now()}

	cat := e.catalog.Current()
	tools := cat.DescribeForModel()
	invoker := e.invoker
	if p, ok := invoker.(pinner); ok {
		invoker = p.Pin(cat)
	}
	out.Turns = make([]Turn, 0, len(history)+2+e.opts.MaxTurns)
	out.Turns = append(out.Turns, e.systemTurn(cat))
	out.Turns = append(out.Turns, history...)
	out.Turns = append(out.Turns, Turn{Role: RoleUser, Content: query})

	for modelTurns := 0; ; modelTurns++ {
		if err := ctx.Err(); err != nil {
			return m.finish(StateAborted, err)
		}
		if modelTurns >= e.opts.MaxTurns {
			return m.finish(StateAborted, errors.Wrapf(ErrTurnLimitExceeded, "after %d model turns", modelTurns))
		}

		resp, err := e.respond(ctx, out.Turns, tools)
		if err != nil {
			if ctx.Err() != nil {
				return m.finish(StateAborted, ctx.Err())
			}
			return m.finish(StateAborted, errors.Mark(errors.Wrap(err, "model"), ErrModelFailure))
		}

		turn := Turn{Role: RoleAssistant, Content: resp.Content}
		if len(resp.ToolCalls) == 0 {
			out.Turns = append(out.Turns, turn)
			out.Answer = resp.Content
			return m.finish(StateDone, nil)
		}

		m.transition(StateDispatching)
		turn.Exchanges = e.dispatch(ctx, invoker, resp.ToolCalls)
		out.Turns = append(out.Turns, turn)
		for _, ex := range turn.Exchanges {
			out.ToolCalls++
			if ex.Result.Status == router.StatusTimeout {
				out.Timeouts++
			}
		}
		m.logger.Debug("tool batch joined", "turn", modelTurns+1, "calls", len(turn.Exchanges))
		if err := ctx.Err(); err != nil {
			return m.finish(StateAborted, err)
		}
		m.transition(StateAwaitingModel)
	}
}

func (e *Engine) respond(ctx context.Context, turns []Turn, tools []catalog.ToolDescriptor) (resp *Response, err error) {
	started := time.Now()
	status := "ok"
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("model panicked: %v", p)
		}
		if err != nil {
			status = "error"
		}
		metricskey.StatsModelCalls.IncrCounter(1, status)
		metricskey.PerfModelCall.MeasureSince(started, status)
	}()
	// the model gets its own copy so it cannot mutate the state
	snapshot := append([]Turn(nil), turns...)
	resp, err = e.model.Respond(ctx, snapshot, tools)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	return resp, err
}

// dispatch runs every call of one model turn concurrently and joins. Results
// keep request order; duplicate calls run independently.
func (e *Engine) dispatch(ctx context.Context, invoker Invoker, calls []ToolCall) []Exchange {
	exchanges := make([]Exchange, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		exchanges[i].Request = call
		wg.Add(1)
		go func() {
			defer wg.Done()
			exchanges[i].Result = e.invoke(ctx, invoker, call)
		}()
	}
	wg.Wait()
	return exchanges
}

func (e *Engine) invoke(ctx context.Context, invoker Invoker, call ToolCall) (res router.Result) {
	defer func() {
		if p := recover(); p != nil {
			err := errors.Newf("tool %q panicked: %v", call.Name, p)
			res = router.Result{Status: router.StatusToolError, Tool: call.Name, Text: err.Error(), Err: err}
		}
	}()
	return invoker.Invoke(ctx, call.Name, call.Arguments, e.opts.ToolTimeout)
}

func (e *Engine) systemTurn(cat *catalog.Catalog) Turn {
	var b strings.Builder
	b.WriteString(e.opts.SystemPrompt)
	rendered, err := cat.Render()
	if err != nil {
		e.opts.Logger.Warn("catalog render failed", "error", err)
		return Turn{Role: RoleSystem, Content: b.String()}
	}
	b.WriteString("\n\nAvailable tools:\n")
	b.WriteString(rendered)
	return Turn{Role: RoleSystem, Content: b.String()}
}
