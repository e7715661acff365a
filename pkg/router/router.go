// Package router executes single tool calls against the session that owns
// the tool, whatever server the caller believes it is talking to.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/metricskey"
)

var (
	// ErrServerUnavailable is reported when the owning server is not Ready.
	ErrServerUnavailable = errors.New("server unavailable")
	// ErrInvalidArguments is reported when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrTimeout is reported when the router stops waiting for a call.
	ErrTimeout = errors.New("tool call timed out")
)

// Status classifies a Result.
type Status string

const (
	StatusOK           Status = "ok"
	StatusToolError    Status = "tool_error"
	StatusRoutingError Status = "routing_error"
	StatusTimeout      Status = "timeout"
)

// Result is the outcome of one tool call. Every failure is expressed here;
// Invoke never returns an error or panics.
type Result struct {
	Status Status
	// Content and Structured hold the payload when Status is ok.
	Content    []mcp.Content
	Structured any
	// Text is the textual payload on ok, or the diagnostic otherwise.
	Text     string
	ServerID string
	// Tool is the presented name that was requested.
	Tool    string
	Elapsed time.Duration
	Err     error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusOK }

// String renders the result as content for the model.
func (r Result) String() string {
	switch r.Status {
	case StatusOK:
		if r.Text != "" {
			return r.Text
		}
		if r.Structured != nil {
			if b, err := json.Marshal(r.Structured); err == nil {
				return string(b)
			}
		}
		return ""
	case StatusTimeout:
		return "timeout: " + r.Text
	default:
		return "error: " + r.Text
	}
}

// CatalogSource supplies the catalog in effect for a call.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// SessionSource looks up the Ready session for a server.
type SessionSource interface {
	Session(serverID string) (mcpmgr.Session, bool)
}

// Options configure a Router.
type Options struct {
	// DefaultTimeout applies when Invoke is called with timeout <= 0.
	DefaultTimeout time.Duration
	// ValidateArguments checks arguments against the tool's input schema
	// before any server is contacted.
	ValidateArguments bool
	Logger            *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Router resolves presented names and performs timed calls.
type Router struct {
	catalog  CatalogSource
	sessions SessionSource
	opts     Options
}

// New returns a Router.
func New(catalog CatalogSource, sessions SessionSource, opts *Options) *Router {
	return &Router{catalog: catalog, sessions: sessions, opts: opts.withDefaults()}
}

type fixedCatalog struct{ c *catalog.Catalog }

func (f fixedCatalog) Current() *catalog.Catalog { return f.c }

// Pin returns a Router that resolves names against cat instead of the live
// source. Sessions and options are shared with r.
func (r *Router) Pin(cat *catalog.Catalog) *Router {
	return &Router{catalog: fixedCatalog{c: cat}, sessions: r.sessions, opts: r.opts}
}

type callOutcome struct {
	res *mcp.CallToolResult
	err error
}

// Invoke performs one call. Unknown tools and unavailable servers fail
// without contacting any server. The timeout is enforced here; when it
// expires, or ctx is cancelled, the router stops waiting and returns a
// timeout result while the remote call may still be running.
func (r *Router) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	started := time.Now()
	result := r.invoke(ctx, name, args, timeout)
	result.Tool = name
	result.Elapsed = time.Since(started)
	r.record(result, started)
	return result
}

func (r *Router) invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	cat := r.catalog.Current()
	desc, ok := cat.Lookup(name)
	if !ok {
		_, _, err := cat.Resolve(name)
		return failure(StatusRoutingError, "", err)
	}
	session, ok := r.sessions.Session(desc.ServerID)
	if !ok {
		err := errors.Mark(errors.Newf("server %q for tool %q is not available", desc.ServerID, name), ErrServerUnavailable)
		return failure(StatusRoutingError, desc.ServerID, err)
	}
	if r.opts.ValidateArguments {
		if err := desc.ValidateArguments(args); err != nil {
			return failure(StatusToolError, desc.ServerID, errors.Mark(err, ErrInvalidArguments))
		}
	}

	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callOutcome{err: errors.Newf("tool %q panicked: %v", name, p)}
			}
		}()
		res, err := session.Invoke(callCtx, desc.OriginalName, args)
		done <- callOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if callCtx.Err() != nil {
				return r.timeout(ctx, desc, timeout)
			}
			return toolFailure(desc.ServerID, out.err)
		}
		if out.res == nil {
			return Result{Status: StatusOK, ServerID: desc.ServerID}
		}
		return Result{
			Status:     StatusOK,
			Content:    out.res.Content,
			Structured: out.res.StructuredContent,
			Text:       mcpmgr.ContentText(out.res.Content),
			ServerID:   desc.ServerID,
		}
	case <-callCtx.Done():
		return r.timeout(ctx, desc, timeout)
	}
}

func (r *Router) timeout(ctx context.Context, desc catalog.ToolDescriptor, timeout time.Duration) Result {
	var err error
	if ctx.Err() != nil {
		err = errors.Mark(errors.Wrapf(ctx.Err(), "call to %s abandoned", desc.Name), ErrTimeout)
	} else {
		err = errors.Mark(errors.Newf("no response from %s within %s", desc.Name, timeout), ErrTimeout)
	}
	r.opts.Logger.Warn("tool call abandoned", "server", desc.ServerID, "tool", desc.Name, "error", err)
	return failure(StatusTimeout, desc.ServerID, err)
}

func toolFailure(serverID string, err error) Result {
	var toolErr *mcpmgr.ToolError
	if errors.As(err, &toolErr) {
		return Result{Status: StatusToolError, ServerID: serverID, Text: toolErr.Message, Err: err}
	}
	return failure(StatusToolError, serverID, err)
}

func failure(status Status, serverID string, err error) Result {
	return Result{Status: status, ServerID: serverID, Text: err.Error(), Err: err}
}

func (r *Router) record(res Result, started time.Time) {
	switch res.Status {
	case StatusOK:
		metricskey.StatsToolCallsSucceeded.IncrCounter(1, res.Tool)
	case StatusRoutingError:
		metricskey.StatsToolCallsNotFound.IncrCounter(1, res.Tool)
	case StatusTimeout:
		metricskey.StatsToolCallsTimedOut.IncrCounter(1, res.Tool)
	default:
		metricskey.StatsToolCallsFailed.IncrCounter(1, res.Tool)
	}
	if res.Status != StatusRoutingError {
		metricskey.PerfToolCall.MeasureSince(started, res.Tool)
	}
	r.opts.Logger.Debug("tool call",
		"tool", res.Tool,
		"server", res.ServerID,
		"status", res.Status,
		"elapsed", res.Elapsed)
}
