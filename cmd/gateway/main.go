package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-orchestrator-go/internal/config"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	mcpgateway "github.com/vikashloomba/mcp-orchestrator-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := mcpmgr.NewRegistry(&mcpmgr.Options{ClientName: "mcp-orchestrator-gateway", LogJSONRPC: cfg.Log.JSONRPC, Logger: logger})
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = registry.DisconnectAll(dctx)
	}()

	res := registry.ConnectAll(ctx, cfg.Endpoints())
	for _, f := range res.Failures {
		logger.Warn("server unavailable", "server", f.Endpoint.ID, "error", f.Err)
	}
	if err := res.Err(); err != nil {
		return err
	}

	live := catalog.NewLive(&catalog.Options{Logger: logger})
	live.Refresh(ctx, registry.Sessions())

	opts := &mcpgateway.Options{
		Addr:           cfg.Gateway.Addr,
		Path:           cfg.Gateway.Path,
		ToolTimeout:    cfg.Engine.ToolTimeout,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Streamable:     mcp.StreamableHTTPOptions{JSONResponse: true},
		Logger:         logger,
	}
	if token := cfg.Gateway.Token; token != "" {
		opts.TokenVerifier = staticToken(token)
	}
	rt := router.New(live, registry, &router.Options{ValidateArguments: cfg.Engine.ValidateArguments, Logger: logger})
	gateway, err := mcpgateway.NewGateway(live, rt, opts)
	if err != nil {
		return err
	}

	// a server that drops out is removed from the published catalog
	registry.OnStateChange(func(serverID string, state mcpmgr.Liveness) {
		if state != mcpmgr.LivenessFailed {
			return
		}
		go func() {
			live.Refresh(context.Background(), registry.Sessions())
			gateway.Sync()
		}()
	})

	gateway.ServeMux().HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	logger.Info("gateway serving", "addr", opts.Addr, "path", opts.Path, "tools", live.Current().Len())
	return gateway.ListenAndServe(ctx)
}

// staticToken accepts exactly one shared secret.
func staticToken(want string) auth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		if token != want {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
