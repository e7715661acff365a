package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests initiated by the registry.
type HTTPAuthProvider func(context.Context) (string, error)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	// Timeout bounds connection establishment. Tool call timeouts are owned by
	// the router, not by the session.
	Timeout    time.Duration
	Version    string
	OnError    func(error)
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

// StdioServerConfig describes a tool server launched as a subprocess and
// spoken to over stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes a tool server reachable over the Streamable HTTP
// or SSE transports.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint   string
	HTTPClient *http.Client
	MaxRetries int

	Headers      http.Header
	AuthProvider HTTPAuthProvider
	SessionID    string
	PreferSSE    *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// TransportServerConfig connects through a caller-supplied transport, such as
// one half of mcp.NewInMemoryTransports.
type TransportServerConfig struct {
	BaseServerConfig
	Transport mcp.Transport
}

func (c *TransportServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// Endpoint pairs a unique server id with the configuration used to reach it.
type Endpoint struct {
	ID     string
	Config ServerConfig
}

// Dialer establishes a Session for an endpoint. The registry uses an MCP
// client dialer unless Options.Dialer overrides it.
type Dialer func(ctx context.Context, endpoint Endpoint) (Session, error)

// Options configures a Registry instance.
type Options struct {
	// ClientName overrides the client name advertised during initialization.
	// When empty, the server ID is used.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// ConnectTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	ConnectTimeout time.Duration
	// ClientOptions are merged into each server's BaseServerConfig options
	// prior to connection.
	ClientOptions mcp.ClientOptions
	// LogJSONRPC toggles debug logging of JSON-RPC traffic for all servers
	// unless overridden per server.
	LogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over LogJSONRPC.
	RPCLogger RPCLogger
	// Dialer replaces MCP connection establishment.
	Dialer Dialer
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
