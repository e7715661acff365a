package mcpmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/metricskey"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoServersAvailable is reported by ConnectResult.Err when no endpoint
	// produced a session.
	ErrNoServersAvailable = errors.New("mcpmgr: no servers available")
	// ErrRegistryClosed is reported for connect attempts after DisconnectAll.
	ErrRegistryClosed = errors.New("mcpmgr: registry closed")
)

// Liveness is the lifecycle state of a server handle.
type Liveness string

const (
	LivenessConnecting Liveness = "connecting"
	LivenessReady      Liveness = "ready"
	LivenessFailed     Liveness = "failed"
	LivenessClosed     Liveness = "closed"
)

// ServerHandle is a point-in-time view of one registered server.
type ServerHandle struct {
	ID          string
	Config      ServerConfig
	State       Liveness
	Err         error
	ConnectedAt time.Time
}

// Waiter is implemented by sessions that can report when the remote side
// goes away. The registry watches such sessions and marks them Failed.
type Waiter interface {
	Wait() error
}

// ConnectFailure records one endpoint that could not be connected.
type ConnectFailure struct {
	Endpoint Endpoint
	Err      error
}

// ConnectResult is the outcome of ConnectAll. Sessions and Failures follow
// the order of the endpoints passed in.
type ConnectResult struct {
	Sessions []Session
	Failures []ConnectFailure
}

// Err returns ErrNoServersAvailable when nothing connected, with the
// individual failures attached.
func (r *ConnectResult) Err() error {
	if r == nil || len(r.Sessions) > 0 {
		return nil
	}
	err := ErrNoServersAvailable
	for _, f := range r.Failures {
		err = errors.WithSecondaryError(err, f.Err)
	}
	return err
}

type managedServer struct {
	endpoint    Endpoint
	state       Liveness
	err         error
	session     Session
	connectedAt time.Time
	// closing is set once the registry itself closes the session, so the
	// monitor can tell a local close from a remote failure.
	closing bool
}

// Registry owns the set of sessions for one orchestrator instance. Each
// Registry is independent; there is no process-wide state.
type Registry struct {
	mu      sync.RWMutex
	opts    Options
	dial    Dialer
	servers map[string]*managedServer
	order   []string
	closed  bool

	handlersMu    sync.RWMutex
	stateHandlers []func(serverID string, state Liveness)
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts *Options) *Registry {
	r := &Registry{
		opts:    opts.withDefaults(),
		servers: make(map[string]*managedServer),
	}
	r.dial = r.opts.Dialer
	if r.dial == nil {
		r.dial = r.dialMCP
	}
	return r
}

// OnStateChange registers a callback invoked after every liveness
// transition. Callbacks run outside the registry lock.
func (r *Registry) OnStateChange(fn func(serverID string, state Liveness)) {
	if fn == nil {
		return
	}
	r.handlersMu.Lock()
	r.stateHandlers = append(r.stateHandlers, fn)
	r.handlersMu.Unlock()
}

// ConnectAll dials every endpoint concurrently. A failing endpoint never
// blocks or fails the others; the registry does not retry.
func (r *Registry) ConnectAll(ctx context.Context, endpoints []Endpoint) *ConnectResult {
	type slot struct {
		session Session
		err     error
	}
	slots := make([]slot, len(endpoints))
	accepted := make([]bool, len(endpoints))

	r.mu.Lock()
	seen := make(map[string]bool, len(endpoints))
	for i, ep := range endpoints {
		if err := r.validateLocked(ep, seen); err != nil {
			slots[i].err = err
			continue
		}
		seen[ep.ID] = true
		accepted[i] = true
		if _, ok := r.servers[ep.ID]; !ok {
			r.order = append(r.order, ep.ID)
		}
		r.servers[ep.ID] = &managedServer{endpoint: ep, state: LivenessConnecting}
	}
	r.mu.Unlock()

	for i, ep := range endpoints {
		if accepted[i] {
			r.notify(ep.ID, LivenessConnecting)
		}
	}

	// errgroup is used only as a join; each goroutine records its own error so
	// that one failure does not cancel the peers.
	var g errgroup.Group
	for i, ep := range endpoints {
		if !accepted[i] {
			continue
		}
		g.Go(func() error {
			slots[i].session, slots[i].err = r.connectOne(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	res := &ConnectResult{}
	for i, ep := range endpoints {
		if slots[i].err != nil {
			res.Failures = append(res.Failures, ConnectFailure{Endpoint: ep, Err: slots[i].err})
			continue
		}
		res.Sessions = append(res.Sessions, slots[i].session)
	}
	return res
}

func (r *Registry) validateLocked(ep Endpoint, seen map[string]bool) error {
	switch {
	case r.closed:
		return errors.Wrapf(ErrRegistryClosed, "mcpmgr: connect %q", ep.ID)
	case ep.ID == "":
		return errors.New("mcpmgr: endpoint id is required")
	case seen[ep.ID]:
		return errors.Newf("mcpmgr: duplicate endpoint id %q", ep.ID)
	case ep.Config == nil && r.opts.Dialer == nil:
		return errors.Newf("mcpmgr: config missing for %q", ep.ID)
	}
	if existing, ok := r.servers[ep.ID]; ok {
		if existing.state == LivenessConnecting || existing.state == LivenessReady {
			return errors.Newf("mcpmgr: server %q already %s", ep.ID, existing.state)
		}
	}
	return nil
}

func (r *Registry) connectOne(ctx context.Context, ep Endpoint) (Session, error) {
	logger := r.opts.Logger.With("server", ep.ID)
	started := time.Now()

	timeout := r.opts.ConnectTimeout
	var base *BaseServerConfig
	if ep.Config != nil {
		base = ep.Config.base()
		if base.Timeout > 0 {
			timeout = base.Timeout
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := r.dialSafe(dialCtx, ep)
	if err != nil {
		metricskey.StatsServerConnectFailed.IncrCounter(1, ep.ID)
		logger.Warn("connect failed", "error", err, "elapsed", time.Since(started))
		r.setState(ep.ID, LivenessFailed, err, nil)
		if base != nil && base.OnError != nil {
			base.OnError(err)
		}
		return nil, err
	}

	r.mu.Lock()
	st := r.servers[ep.ID]
	if r.closed || st == nil {
		r.mu.Unlock()
		_ = session.Close()
		err = errors.Wrapf(ErrRegistryClosed, "mcpmgr: connect %q", ep.ID)
		r.setState(ep.ID, LivenessClosed, err, nil)
		return nil, err
	}
	st.state = LivenessReady
	st.err = nil
	st.session = session
	st.connectedAt = time.Now()
	r.mu.Unlock()
	r.notify(ep.ID, LivenessReady)

	metricskey.StatsServerConnectSucceeded.IncrCounter(1, ep.ID)
	logger.Info("connected", "elapsed", time.Since(started))

	if w, ok := session.(Waiter); ok {
		go r.monitorSession(ep.ID, session, w, base)
	}
	return session, nil
}

// dialSafe turns a panicking dialer into a connection failure.
func (r *Registry) dialSafe(ctx context.Context, ep Endpoint) (s Session, err error) {
	defer func() {
		if p := recover(); p != nil {
			s = nil
			err = errors.Newf("mcpmgr: dial %q panicked: %v", ep.ID, p)
		}
	}()
	s, err = r.dial(ctx, ep)
	if err == nil && s == nil {
		err = errors.Newf("mcpmgr: dialer returned no session for %q", ep.ID)
	}
	return s, err
}

func (r *Registry) monitorSession(serverID string, session Session, w Waiter, base *BaseServerConfig) {
	waitErr := w.Wait()

	r.mu.Lock()
	st, ok := r.servers[serverID]
	if !ok || st.session != session {
		r.mu.Unlock()
		return
	}
	if st.closing || st.state == LivenessClosed {
		r.mu.Unlock()
		return
	}
	err := waitErr
	if err == nil {
		err = errors.Newf("mcpmgr: server %q closed the session", serverID)
	}
	st.state = LivenessFailed
	st.err = err
	st.session = nil
	r.mu.Unlock()

	r.opts.Logger.Warn("session ended", "server", serverID, "error", err)
	r.notify(serverID, LivenessFailed)
	if base != nil && base.OnError != nil {
		base.OnError(err)
	}
}

func (r *Registry) setState(serverID string, state Liveness, err error, session Session) {
	r.mu.Lock()
	st, ok := r.servers[serverID]
	if ok && r.closed && st.state == LivenessClosed {
		ok = false
	}
	if ok {
		st.state = state
		st.err = err
		st.session = session
	}
	r.mu.Unlock()
	if ok {
		r.notify(serverID, state)
	}
}

func (r *Registry) notify(serverID string, state Liveness) {
	r.handlersMu.RLock()
	handlers := append([]func(string, Liveness){}, r.stateHandlers...)
	r.handlersMu.RUnlock()
	for _, h := range handlers {
		h(serverID, state)
	}
}

// DisconnectAll closes every open session exactly once and tears the
// registry down. In-flight calls observe cancellation. Subsequent
// ConnectAll calls fail with ErrRegistryClosed.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	type closing struct {
		id      string
		session Session
	}
	var toClose []closing

	r.mu.Lock()
	r.closed = true
	for _, id := range r.order {
		st := r.servers[id]
		if st.session != nil && !st.closing {
			st.closing = true
			toClose = append(toClose, closing{id: id, session: st.session})
		}
	}
	r.mu.Unlock()

	errs := make([]error, len(toClose))
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i, c := range toClose {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.session.Close(); err != nil {
					errs[i] = errors.Wrapf(err, "mcpmgr: close %q", c.id)
				}
			}()
		}
		wg.Wait()
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		result = errors.Wrap(ctx.Err(), "mcpmgr: disconnect interrupted")
	}

	r.mu.Lock()
	var changed []string
	for _, id := range r.order {
		st := r.servers[id]
		if st.state != LivenessClosed {
			st.state = LivenessClosed
			st.session = nil
			changed = append(changed, id)
		}
	}
	r.mu.Unlock()
	for _, id := range changed {
		r.notify(id, LivenessClosed)
	}

	select {
	case <-done:
		for _, err := range errs {
			result = errors.CombineErrors(result, err)
		}
	default:
	}
	if result == nil {
		r.opts.Logger.Info("disconnected all servers", slog.Int("count", len(toClose)))
	}
	return result
}

// Handles returns the registered servers in registration order.
func (r *Registry) Handles() []ServerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerHandle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handleLocked(id))
	}
	return out
}

// Handle returns the state of a single server.
func (r *Registry) Handle(serverID string) (ServerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.servers[serverID]; !ok {
		return ServerHandle{}, false
	}
	return r.handleLocked(serverID), true
}

func (r *Registry) handleLocked(id string) ServerHandle {
	st := r.servers[id]
	return ServerHandle{
		ID:          id,
		Config:      st.endpoint.Config,
		State:       st.state,
		Err:         st.err,
		ConnectedAt: st.connectedAt,
	}
}

// Session returns the session for serverID if the server is Ready.
func (r *Registry) Session(serverID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.servers[serverID]
	if !ok || st.state != LivenessReady || st.session == nil {
		return nil, false
	}
	return st.session, true
}

// Sessions returns the Ready sessions in connection order.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, id := range r.order {
		st := r.servers[id]
		if st.state == LivenessReady && st.session != nil {
			out = append(out, st.session)
		}
	}
	return out
}
