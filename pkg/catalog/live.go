package catalog

import (
	"context"
	"sync/atomic"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

// Live holds the current catalog. Readers always see a complete snapshot;
// Refresh replaces it wholesale.
type Live struct {
	current atomic.Pointer[Catalog]
	opts    *Options
}

// NewLive returns a Live holding an empty catalog.
func NewLive(opts *Options) *Live {
	l := &Live{opts: opts}
	l.current.Store(Empty())
	return l
}

// Current returns the catalog in effect.
func (l *Live) Current() *Catalog {
	return l.current.Load()
}

// Store swaps in c.
func (l *Live) Store(c *Catalog) {
	if c == nil {
		c = Empty()
	}
	l.current.Store(c)
}

// Refresh rebuilds from sessions and swaps the result in.
func (l *Live) Refresh(ctx context.Context, sessions []mcpmgr.Session) *Catalog {
	c := Build(ctx, sessions, l.opts)
	l.Store(c)
	return c
}
