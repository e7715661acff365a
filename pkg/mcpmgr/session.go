package mcpmgr

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"
)

// ErrSessionClosed is returned by a Session after Close has been called.
var ErrSessionClosed = errors.New("mcpmgr: session closed")

// ToolErrorKind classifies a failed tool call.
type ToolErrorKind string

const (
	// ToolErrorKindTool means the server ran the tool and reported a failure.
	ToolErrorKindTool ToolErrorKind = "tool"
	// ToolErrorKindProtocol means the server rejected the request.
	ToolErrorKindProtocol ToolErrorKind = "protocol"
	// ToolErrorKindTransport means the request did not complete on the wire.
	ToolErrorKindTransport ToolErrorKind = "transport"
	// ToolErrorKindClosed means the session was closed locally.
	ToolErrorKindClosed ToolErrorKind = "closed"
)

// ToolError is the error side of a tool call: a machine-readable kind plus the
// server's diagnostic text, carried verbatim.
type ToolError struct {
	ServerID string
	Tool     string
	Kind     ToolErrorKind
	Message  string
	Err      error
}

func (e *ToolError) Error() string {
	return string(e.Kind) + " error from " + e.ServerID + "/" + e.Tool + ": " + e.Message
}

func (e *ToolError) Unwrap() error { return e.Err }

// Session is one logical connection to a single tool server.
type Session interface {
	// ServerID returns the registry id of the server behind the session.
	ServerID() string
	// ListTools returns the server's tools in discovery order.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	// Invoke calls a tool by its original (server-side) name. Failures are
	// reported as *ToolError.
	Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	// Close ends the session; in-flight calls observe cancellation.
	Close() error
}

// mcpSession adapts an MCP client session. The session processes one
// in-flight request at a time.
type mcpSession struct {
	serverID string
	session  *mcp.ClientSession
	// conn is the transport connection under session. Nil when unknown.
	conn mcp.Connection

	lock *semaphore.Weighted

	closeCtx  context.Context
	closeFn   context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func newMCPSession(serverID string, session *mcp.ClientSession, conn mcp.Connection) *mcpSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &mcpSession{
		serverID: serverID,
		session:  session,
		conn:     conn,
		lock:     semaphore.NewWeighted(1),
		closeCtx: ctx,
		closeFn:  cancel,
	}
}

func (s *mcpSession) ServerID() string { return s.serverID }

func (s *mcpSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		tools  []*mcp.Tool
		cursor string
	)
	for {
		params := &mcp.ListToolsParams{Cursor: cursor}
		res, err := s.session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return []*mcp.Tool{}, nil
			}
			return nil, errors.Wrapf(err, "mcpmgr: list tools on %q", s.serverID)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

func (s *mcpSession) Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, s.toolError(name, err)
	}
	defer release()

	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, s.toolError(name, err)
	}
	if res.IsError {
		return res, &ToolError{
			ServerID: s.serverID,
			Tool:     name,
			Kind:     ToolErrorKindTool,
			Message:  ContentText(res.Content),
		}
	}
	return res, nil
}

func (s *mcpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeFn()
		// ClientSession.Close waits for outstanding requests to be answered.
		// Closing the connection first fails them instead.
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// Wait blocks until the remote side ends the session.
func (s *mcpSession) Wait() error {
	return s.session.Wait()
}

func (s *mcpSession) closed() bool {
	return s.closeCtx.Err() != nil
}

// acquire takes the per-session lock and returns a context that is also
// cancelled when the session is closed.
func (s *mcpSession) acquire(ctx context.Context) (context.Context, func(), error) {
	if s.closed() {
		return nil, nil, ErrSessionClosed
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.closeCtx, cancel)
	return callCtx, func() {
		stop()
		cancel()
		s.lock.Release(1)
	}, nil
}

func (s *mcpSession) toolError(name string, err error) *ToolError {
	kind := ToolErrorKindProtocol
	switch {
	case errors.Is(err, ErrSessionClosed) || s.closed():
		kind = ToolErrorKindClosed
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		kind = ToolErrorKindTransport
	}
	return &ToolError{
		ServerID: s.serverID,
		Tool:     name,
		Kind:     kind,
		Message:  err.Error(),
		Err:      err,
	}
}

// ContentText joins the text parts of a tool result, one per line.
func ContentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		case *mcp.AudioContent:
			parts = append(parts, "[audio "+v.MIMEType+"]")
		case *mcp.ResourceLink:
			parts = append(parts, "[resource "+v.URI+"]")
		case *mcp.EmbeddedResource:
			if v.Resource != nil {
				if v.Resource.Text != "" {
					parts = append(parts, v.Resource.Text)
				} else {
					parts = append(parts, "[resource "+v.Resource.URI+"]")
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
