// Package orchestrator wires the registry, catalog, router and engine into
// one object with a connect, ask, disconnect lifecycle.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/engine"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

// Options configure an Orchestrator. Zero values take each component's
// defaults.
type Options struct {
	Registry *mcpmgr.Options
	Catalog  *catalog.Options
	Router   *router.Options
	Engine   *engine.Options
	Logger   *slog.Logger
}

// Orchestrator owns one registry and the components built on top of it.
type Orchestrator struct {
	registry *mcpmgr.Registry
	live     *catalog.Live
	router   *router.Router
	engine   *engine.Engine
	logger   *slog.Logger
}

// New assembles an Orchestrator around model. Nothing is connected until
// Connect is called.
func New(model engine.Model, opts *Options) *Orchestrator {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	withLogger := func(l *slog.Logger) *slog.Logger {
		if l != nil {
			return l
		}
		return logger
	}

	regOpts := mcpmgr.Options{}
	if opts.Registry != nil {
		regOpts = *opts.Registry
	}
	regOpts.Logger = withLogger(regOpts.Logger)
	catOpts := catalog.Options{}
	if opts.Catalog != nil {
		catOpts = *opts.Catalog
	}
	catOpts.Logger = withLogger(catOpts.Logger)
	routerOpts := router.Options{}
	if opts.Router != nil {
		routerOpts = *opts.Router
	}
	routerOpts.Logger = withLogger(routerOpts.Logger)
	engineOpts := engine.Options{}
	if opts.Engine != nil {
		engineOpts = *opts.Engine
	}
	engineOpts.Logger = withLogger(engineOpts.Logger)

	o := &Orchestrator{
		registry: mcpmgr.NewRegistry(&regOpts),
		live:     catalog.NewLive(&catOpts),
		logger:   logger,
	}
	o.router = router.New(o.live, o.registry, &routerOpts)
	o.engine = engine.New(model, o.live, o.router, &engineOpts)
	return o
}

// Connect opens every endpoint and builds the catalog from the sessions that
// came up. It fails only when no server is available; per-server connection
// and discovery failures are reported in the result and the catalog.
func (o *Orchestrator) Connect(ctx context.Context, endpoints []mcpmgr.Endpoint) (*mcpmgr.ConnectResult, error) {
	res := o.registry.ConnectAll(ctx, endpoints)
	for _, f := range res.Failures {
		o.logger.Warn("server unavailable", "server", f.Endpoint.ID, "error", f.Err)
	}
	if err := res.Err(); err != nil {
		return res, err
	}
	cat := o.Refresh(ctx)
	for _, f := range cat.Failures() {
		o.logger.Warn("tool discovery failed", "server", f.ServerID, "error", f.Err)
	}
	return res, nil
}

// Refresh rebuilds the catalog from the Ready sessions. Conversations
// already running keep resolving names against the catalog they started with.
func (o *Orchestrator) Refresh(ctx context.Context) *catalog.Catalog {
	return o.live.Refresh(ctx, o.registry.Sessions())
}

// Ask runs one query.
func (o *Orchestrator) Ask(ctx context.Context, query string) *engine.Outcome {
	return o.engine.Run(ctx, query)
}

// NewConversation starts a chat that carries history between queries.
func (o *Orchestrator) NewConversation() *engine.Conversation {
	return o.engine.NewConversation()
}

// Close disconnects every server, waiting at most timeout.
func (o *Orchestrator) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.registry.DisconnectAll(ctx); err != nil {
		return errors.Wrap(err, "disconnect")
	}
	return nil
}

func (o *Orchestrator) Registry() *mcpmgr.Registry { return o.registry }
func (o *Orchestrator) Catalog() *catalog.Live     { return o.live }
func (o *Orchestrator) Router() *router.Router     { return o.router }
func (o *Orchestrator) Engine() *engine.Engine     { return o.engine }
