package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/modelcontextprotocol/go-sdk/oauthex"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

const protectedResourcePath = "/.well-known/oauth-protected-resource"

// CatalogSource supplies the catalog to publish. *catalog.Live implements it.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Invoker executes a catalog tool. *router.Router implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) router.Result
}

// Gateway exposes a Streamable MCP server that publishes the merged tool
// catalog under a single HTTP endpoint. Calls go through the router, so the
// gateway sees the same names, routing and timeouts as the engine.
type Gateway struct {
	source  CatalogSource
	invoker Invoker
	opts    Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway and publishes the current catalog.
func NewGateway(source CatalogSource, invoker Invoker, opts *Options) (*Gateway, error) {
	if source == nil {
		return nil, errors.New("mcpgateway: catalog source is required")
	}
	if invoker == nil {
		return nil, errors.New("mcpgateway: invoker is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, errors.New("mcpgateway: TokenOptions requires TokenVerifier")
	}
	g := &Gateway{
		source:   source,
		invoker:  invoker,
		opts:     options,
		features: newFeatureIndex(),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	g.Sync()
	return g, nil
}

// Options returns a copy of the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the mux the gateway is mounted on, so callers can add
// routes such as health checks.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Sync publishes the source's current catalog, adding and removing tools so
// the gateway matches it. Call it after the catalog is refreshed.
func (g *Gateway) Sync() {
	// The diff and its application form one step; concurrent Syncs must not
	// interleave them.
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	removed, added := g.features.Update(g.source.Current().DescribeForModel())
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target.GatewayName))
	}
	if len(removed)+len(added) > 0 {
		g.opts.Logger.Info("gateway catalog synced", "tools", g.features.Len(), "added", len(added), "removed", len(removed))
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return errors.Newf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) makeToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, ok := g.features.ToolTarget(name)
		if !ok {
			return errorResult("tool " + name + " is no longer published"), nil
		}
		var args map[string]any
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult("invalid arguments: " + err.Error()), nil
			}
		}
		res := g.invoker.Invoke(ctx, target.GatewayName, args, g.opts.ToolTimeout)
		if res.Status != router.StatusOK {
			g.opts.Logger.Debug("gateway call failed", "tool", target.GatewayName, "server", target.ServerID, "status", res.Status)
			return errorResult(res.String()), nil
		}
		content := res.Content
		if content == nil {
			content = []mcp.Content{}
		}
		return &mcp.CallToolResult{
			Content:           content,
			StructuredContent: res.Structured,
		}, nil
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var endpoint http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}
	if len(g.opts.AllowedOrigins) > 0 {
		endpoint = cors.New(cors.Options{
			AllowedOrigins:   g.opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
			ExposedHeaders:   []string{"Mcp-Session-Id", "WWW-Authenticate"},
			AllowCredentials: true,
		}).Handler(endpoint)
	}

	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	if g.opts.AuthorizationServer != "" {
		mux.Handle(protectedResourcePath, cors.AllowAll().Handler(http.HandlerFunc(g.serveResourceMetadata)))
	}
	g.mux = mux
	return mux
}

func (g *Gateway) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resource := g.opts.ResourceURL
	if resource == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		resource = scheme + "://" + r.Host + g.opts.Path
	}
	meta := oauthex.ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{g.opts.AuthorizationServer},
		BearerMethodsSupported: []string{"header"},
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		g.opts.Logger.Error("write resource metadata", "error", err)
	}
}
