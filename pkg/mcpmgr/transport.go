package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// dialMCP is the default Dialer: it builds the transport described by the
// endpoint's config and performs the MCP initialize handshake.
func (r *Registry) dialMCP(ctx context.Context, endpoint Endpoint) (Session, error) {
	base := endpoint.Config.base()
	impl := &mcp.Implementation{
		Name:    r.effectiveClientName(endpoint.ID),
		Version: r.effectiveClientVersion(base),
	}
	clientOpts := r.composeClientOptions(base)
	logger := r.resolveRPCLogger(base)

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcpSession, error) {
		client := mcp.NewClient(impl, &clientOpts)
		wrapped := transport
		if logger != nil {
			wrapped = &loggingTransport{serverID: endpoint.ID, delegate: transport, logger: logger}
		}
		recorder := &connRecorder{delegate: wrapped}
		session, err := client.Connect(ctx, recorder, nil)
		if err != nil {
			return nil, err
		}
		return newMCPSession(endpoint.ID, session, recorder.conn), nil
	}

	switch cfg := endpoint.Config.(type) {
	case *StdioServerConfig:
		transport, err := buildStdioTransport(endpoint.ID, cfg)
		if err != nil {
			return nil, err
		}
		session, err := attempt(ctx, transport)
		if err != nil {
			return nil, errors.Wrapf(err, "mcpmgr: connect stdio server %q", endpoint.ID)
		}
		return session, nil
	case *HTTPServerConfig:
		session, err := r.dialHTTP(ctx, endpoint.ID, cfg, attempt)
		if err != nil {
			return nil, err
		}
		return session, nil
	case *TransportServerConfig:
		if cfg.Transport == nil {
			return nil, errors.Newf("mcpmgr: transport missing for %q", endpoint.ID)
		}
		session, err := attempt(ctx, cfg.Transport)
		if err != nil {
			return nil, errors.Wrapf(err, "mcpmgr: connect server %q", endpoint.ID)
		}
		return session, nil
	default:
		return nil, errors.Newf("mcpmgr: unsupported config for %q", endpoint.ID)
	}
}

func (r *Registry) dialHTTP(
	ctx context.Context,
	serverID string,
	cfg *HTTPServerConfig,
	attempt func(context.Context, mcp.Transport) (*mcpSession, error),
) (*mcpSession, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Newf("mcpmgr: endpoint missing for %q", serverID)
	}
	tracker := newSessionIDTracker(cfg.SessionID)
	client := decorateHTTPClient(cfg.HTTPClient, cfg.Headers, tracker, cfg.AuthProvider)

	var streamErr error
	if !shouldPreferSSE(cfg) {
		session, err := attempt(ctx, &mcp.StreamableClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: client,
			MaxRetries: cfg.MaxRetries,
		})
		if err == nil {
			tracker.Set(session.session.ID())
			return session, nil
		}
		streamErr = err
	}
	session, err := attempt(ctx, &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client})
	if err != nil {
		if streamErr != nil {
			return nil, errors.Wrapf(err, "mcpmgr: connect %q: streamable error: %v; sse error", serverID, streamErr)
		}
		return nil, errors.Wrapf(err, "mcpmgr: connect %q", serverID)
	}
	tracker.Set(session.session.ID())
	return session, nil
}

func buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, errors.Newf("mcpmgr: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func (r *Registry) effectiveClientName(serverID string) string {
	if r.opts.ClientName != "" {
		return r.opts.ClientName
	}
	return serverID
}

func (r *Registry) effectiveClientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return r.opts.ClientVersion
}

func (r *Registry) composeClientOptions(base *BaseServerConfig) mcp.ClientOptions {
	opts := r.opts.ClientOptions
	mergeClientOptions(&opts, &base.ClientOptions)
	return opts
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.CreateMessageHandler != nil {
		dst.CreateMessageHandler = src.CreateMessageHandler
	}
	if src.ElicitationHandler != nil {
		dst.ElicitationHandler = src.ElicitationHandler
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
}

func (r *Registry) resolveRPCLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if r.opts.RPCLogger != nil {
		return r.opts.RPCLogger
	}
	if base.LogJSONRPC || r.opts.LogJSONRPC {
		logger := r.opts.Logger
		return func(event RPCLogEvent) {
			logger.Debug("json-rpc",
				"server", event.ServerID,
				"direction", strings.ToUpper(string(event.Direction)),
				"message", string(event.Message))
		}
	}
	return nil
}

// connRecorder hands the delegate's connection to the SDK unchanged and keeps
// a reference so the session can close the stream itself.
type connRecorder struct {
	delegate mcp.Transport
	conn     mcp.Connection
}

func (t *connRecorder) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}

type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func newSessionIDTracker(initial string) *sessionIDTracker {
	return &sessionIDTracker{value: initial}
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func shouldPreferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

func decorateHTTPClient(base *http.Client, headers http.Header, tracker *sessionIDTracker, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      headers.Clone(),
		tracker:      tracker,
		authProvider: provider,
	}
	return &clone
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	tracker      *sessionIDTracker
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil {
		if sessionID := d.tracker.Value(); sessionID != "" {
			req.Header.Set(sessionIDHeaderName, sessionID)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
