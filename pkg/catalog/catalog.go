// Package catalog merges the tool lists of several servers into one flat,
// collision-free namespace.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/metricskey"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ErrUnknownTool is returned by Resolve for names not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Options configure Build.
type Options struct {
	// Namespace qualifies names shared by several servers. Defaults to
	// ServerPrefixNamespace with a "." separator.
	Namespace NamespaceStrategy
	// DiscoveryTimeout bounds each server's tools/list. Zero means no bound
	// beyond the caller's context.
	DiscoveryTimeout time.Duration
	Logger           *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// DiscoveryFailure records a server whose tools could not be listed. Its
// tools are absent from the catalog.
type DiscoveryFailure struct {
	ServerID string
	Err      error
}

// Catalog is an immutable snapshot of the merged namespace.
type Catalog struct {
	tools     []ToolDescriptor
	byName    map[string]int
	servers   []string
	failures  []DiscoveryFailure
	namespace NamespaceStrategy
}

// Empty returns a catalog with no tools.
func Empty() *Catalog {
	return &Catalog{byName: map[string]int{}}
}

// Build lists tools on every session concurrently and merges the results.
// Ordering follows the sessions slice, then each server's discovery order.
// A session that fails to list tools is recorded in Failures and contributes
// nothing.
func Build(ctx context.Context, sessions []mcpmgr.Session, opts *Options) *Catalog {
	o := opts.withDefaults()

	lists := make([][]*mcp.Tool, len(sessions))
	errs := make([]error, len(sessions))

	var g errgroup.Group
	for i, s := range sessions {
		if s == nil {
			errs[i] = errors.New("catalog: nil session")
			continue
		}
		g.Go(func() error {
			lists[i], errs[i] = listTools(ctx, s, o.DiscoveryTimeout)
			return nil
		})
	}
	_ = g.Wait()

	c := &Catalog{byName: make(map[string]int), namespace: o.Namespace}
	var entries []ToolDescriptor
	for i, s := range sessions {
		serverID := ""
		if s != nil {
			serverID = s.ServerID()
		}
		if errs[i] != nil {
			metricskey.StatsToolDiscoveryFailed.IncrCounter(1, serverID)
			o.Logger.Warn("tool discovery failed", "server", serverID, "error", errs[i])
			c.failures = append(c.failures, DiscoveryFailure{ServerID: serverID, Err: errs[i]})
			continue
		}
		c.servers = append(c.servers, serverID)
		seen := make(map[string]bool, len(lists[i]))
		for _, tool := range lists[i] {
			if tool == nil || tool.Name == "" {
				continue
			}
			if seen[tool.Name] {
				o.Logger.Warn("duplicate tool in server listing, keeping first", "server", serverID, "tool", tool.Name)
				continue
			}
			seen[tool.Name] = true
			entries = append(entries, newDescriptor(serverID, tool, o.Logger))
		}
	}

	assignNames(entries, o.Namespace)
	c.tools = entries
	for i, d := range entries {
		c.byName[d.Name] = i
	}
	o.Logger.Debug("catalog built", "tools", len(entries), "servers", len(c.servers), "failures", len(c.failures))
	return c
}

func listTools(ctx context.Context, s mcpmgr.Session, timeout time.Duration) (tools []*mcp.Tool, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			tools = nil
			err = errors.Newf("catalog: list tools on %q panicked: %v", s.ServerID(), p)
		}
	}()
	return s.ListTools(ctx)
}

// assignNames keeps bare names only when they are unique across servers and
// do not clash with a qualified name. Whatever still clashes gets a numeric
// suffix in catalog order.
func assignNames(entries []ToolDescriptor, ns NamespaceStrategy) {
	servers := make(map[string]map[string]bool)
	for _, e := range entries {
		if servers[e.OriginalName] == nil {
			servers[e.OriginalName] = make(map[string]bool)
		}
		servers[e.OriginalName][e.ServerID] = true
	}
	for i := range entries {
		e := &entries[i]
		if len(servers[e.OriginalName]) > 1 {
			e.Name = ns.Qualify(e.ServerID, e.OriginalName)
		} else {
			e.Name = e.OriginalName
		}
	}

	for changed := true; changed; {
		changed = false
		counts := make(map[string]int, len(entries))
		for _, e := range entries {
			counts[e.Name]++
		}
		for i := range entries {
			e := &entries[i]
			if counts[e.Name] > 1 && !e.Qualified() {
				e.Name = ns.Qualify(e.ServerID, e.OriginalName)
				changed = true
			}
		}
	}

	used := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		name := e.Name
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s_%d", e.Name, n)
		}
		e.Name = name
		used[name] = true
	}
}

// DescribeForModel returns the descriptors in catalog order. The order is
// stable for a fixed server order and tool listing.
func (c *Catalog) DescribeForModel() []ToolDescriptor {
	if c == nil {
		return nil
	}
	return append([]ToolDescriptor(nil), c.tools...)
}

// Resolve maps a presented name to its server and the server-side name.
func (c *Catalog) Resolve(name string) (serverID, originalName string, err error) {
	d, ok := c.Lookup(name)
	if !ok {
		return "", "", c.unknown(name)
	}
	return d.ServerID, d.OriginalName, nil
}

func (c *Catalog) unknown(name string) error {
	serverID, toolName, qualified := "", "", false
	if sp, ok := c.namespaceOrNil().(splitter); ok {
		serverID, toolName, qualified = sp.Split(name)
	}
	var candidates []string
	for _, d := range c.DescribeForModel() {
		switch {
		case d.OriginalName == name:
			candidates = append(candidates, d.Name)
		case qualified && d.ServerID == serverID && d.OriginalName == toolName:
			candidates = append(candidates, d.Name)
		}
	}
	err := errors.Newf("unknown tool %q", name)
	if len(candidates) > 0 {
		err = errors.Newf("unknown tool %q (did you mean %s?)", name, strings.Join(candidates, ", "))
	}
	return errors.Mark(err, ErrUnknownTool)
}

func (c *Catalog) namespaceOrNil() NamespaceStrategy {
	if c == nil {
		return nil
	}
	return c.namespace
}

// Lookup returns the descriptor for a presented name.
func (c *Catalog) Lookup(name string) (ToolDescriptor, bool) {
	if c == nil {
		return ToolDescriptor{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return c.tools[i], true
}

// Names returns the presented names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.tools))
	for i, d := range c.tools {
		out[i] = d.Name
	}
	return out
}

// Servers returns the servers that contributed to the catalog, in order.
func (c *Catalog) Servers() []string {
	return append([]string(nil), c.servers...)
}

// Failures returns the servers whose discovery failed.
func (c *Catalog) Failures() []DiscoveryFailure {
	return append([]DiscoveryFailure(nil), c.failures...)
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

type renderedTool struct {
	Name        string `yaml:"name"`
	Server      string `yaml:"server"`
	Description string `yaml:"description,omitempty"`
	Parameters  any    `yaml:"parameters,omitempty"`
}

// Render produces a YAML listing of the catalog for prompts.
func (c *Catalog) Render() (string, error) {
	if c.Len() == 0 {
		return "tools: []\n", nil
	}
	list := make([]renderedTool, 0, len(c.tools))
	for _, d := range c.tools {
		list = append(list, renderedTool{
			Name:        d.Name,
			Server:      d.ServerID,
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	out, err := yaml.Marshal(map[string]any{"tools": list})
	if err != nil {
		return "", errors.Wrap(err, "catalog: render")
	}
	return string(out), nil
}
