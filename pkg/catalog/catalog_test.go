package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

type fakeSession struct {
	id    string
	tools []*mcp.Tool
	err   error
	delay time.Duration
}

func (f *fakeSession) ServerID() string { return f.id }

func (f *fakeSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.tools, f.err
}

func (f *fakeSession) Invoke(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeSession) Close() error { return nil }

func toolsNamed(names ...string) []*mcp.Tool {
	out := make([]*mcp.Tool, len(names))
	for i, n := range names {
		out[i] = &mcp.Tool{Name: n, Description: n + " tool", InputSchema: map[string]any{"type": "object"}}
	}
	return out
}

func TestBuildKeepsUniqueNamesBare(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "db", tools: toolsNamed("execute_query")},
		&fakeSession{id: "fs", tools: toolsNamed("file_write")},
	}, nil)

	assert.Equal(t, []string{"execute_query", "file_write"}, c.Names())
	serverID, original, err := c.Resolve("file_write")
	require.NoError(t, err)
	assert.Equal(t, "fs", serverID)
	assert.Equal(t, "file_write", original)
}

func TestBuildQualifiesCollisions(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "serverA", tools: toolsNamed("search", "fetch")},
		&fakeSession{id: "serverB", tools: toolsNamed("search", "write")},
	}, nil)

	assert.Equal(t, []string{"serverA.search", "fetch", "serverB.search", "write"}, c.Names())

	_, _, err := c.Resolve("search")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTool))
	assert.Contains(t, err.Error(), "serverA.search, serverB.search")

	serverID, original, err := c.Resolve("serverB.search")
	require.NoError(t, err)
	assert.Equal(t, "serverB", serverID)
	assert.Equal(t, "search", original)

	d, ok := c.Lookup("serverA.search")
	require.True(t, ok)
	assert.True(t, d.Qualified())
}

func TestBuildQualifiedNameClashesWithBareName(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "a", tools: toolsNamed("x")},
		&fakeSession{id: "b", tools: toolsNamed("x")},
		&fakeSession{id: "c", tools: toolsNamed("a.x")},
	}, nil)

	assert.Equal(t, []string{"a.x", "b.x", "c.a.x"}, c.Names())
	serverID, original, err := c.Resolve("a.x")
	require.NoError(t, err)
	assert.Equal(t, "a", serverID)
	assert.Equal(t, "x", original)
}

func TestBuildSuffixesWhenQualificationIsNotEnough(t *testing.T) {
	t.Parallel()

	// "a.b" + "c" and "a" + "b.c" both qualify to "a.b.c".
	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "a.b", tools: toolsNamed("c")},
		&fakeSession{id: "a", tools: toolsNamed("b.c")},
		&fakeSession{id: "z", tools: toolsNamed("c", "b.c")},
	}, nil)

	assert.Equal(t, []string{"a.b.c", "a.b.c_2", "z.c", "z.b.c"}, c.Names())
	assertCollisionFree(t, c)
}

func TestBuildExcludesFailingServer(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "A", err: errors.New("boom")},
		&fakeSession{id: "B", tools: toolsNamed("search", "lookup")},
	}, nil)

	assert.Equal(t, []string{"search", "lookup"}, c.Names())
	for _, d := range c.DescribeForModel() {
		assert.Equal(t, "B", d.ServerID)
	}
	require.Len(t, c.Failures(), 1)
	assert.Equal(t, "A", c.Failures()[0].ServerID)
	assert.Equal(t, []string{"B"}, c.Servers())
}

func TestBuildDiscoveryTimeout(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "slow", tools: toolsNamed("x"), delay: time.Second},
		&fakeSession{id: "fast", tools: toolsNamed("y")},
	}, &Options{DiscoveryTimeout: 20 * time.Millisecond})

	assert.Equal(t, []string{"y"}, c.Names())
	require.Len(t, c.Failures(), 1)
	assert.True(t, errors.Is(c.Failures()[0].Err, context.DeadlineExceeded))
}

func TestBuildKeepsFirstDuplicateWithinServer(t *testing.T) {
	t.Parallel()

	tools := toolsNamed("dup", "dup")
	tools[1].Description = "second"
	c := Build(context.Background(), []mcpmgr.Session{&fakeSession{id: "s", tools: tools}}, nil)

	require.Equal(t, 1, c.Len())
	d, _ := c.Lookup("dup")
	assert.Equal(t, "dup tool", d.Description)
}

func TestBuildOrderIndependentOfCompletionOrder(t *testing.T) {
	t.Parallel()

	sessions := func() []mcpmgr.Session {
		return []mcpmgr.Session{
			&fakeSession{id: "one", tools: toolsNamed("a", "b"), delay: 30 * time.Millisecond},
			&fakeSession{id: "two", tools: toolsNamed("b", "c"), delay: 10 * time.Millisecond},
			&fakeSession{id: "three", tools: toolsNamed("c", "d")},
		}
	}
	first := Build(context.Background(), sessions(), nil)
	second := Build(context.Background(), sessions(), nil)

	assert.Equal(t, first.Names(), second.Names())
	assert.Equal(t, []string{"a", "one.b", "two.b", "two.c", "three.c", "d"}, first.Names())
}

func TestBuildRandomServerSetsAreCollisionFree(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	pool := []string{"search", "read", "write", "list", "a.read", "query"}
	for round := 0; round < 50; round++ {
		var sessions []mcpmgr.Session
		total := 0
		for s := 0; s < 1+rng.Intn(4); s++ {
			var names []string
			for _, n := range pool {
				if rng.Intn(2) == 0 {
					names = append(names, n)
				}
			}
			total += len(names)
			sessions = append(sessions, &fakeSession{id: fmt.Sprintf("s%d", s), tools: toolsNamed(names...)})
		}
		sessions = append(sessions, &fakeSession{id: "a", tools: toolsNamed("read")})
		total++

		c := Build(context.Background(), sessions, nil)
		require.Equal(t, total, c.Len(), "no tool may be dropped")
		assertCollisionFree(t, c)

		again := Build(context.Background(), sessions, nil)
		require.Equal(t, c.Names(), again.Names())
	}
}

func assertCollisionFree(t *testing.T, c *Catalog) {
	t.Helper()
	seen := map[string]bool{}
	pairs := map[string]bool{}
	for _, d := range c.DescribeForModel() {
		require.False(t, seen[d.Name], "duplicate presented name %s", d.Name)
		seen[d.Name] = true
		key := d.ServerID + "\x00" + d.OriginalName
		require.False(t, pairs[key], "tool %s/%s presented twice", d.ServerID, d.OriginalName)
		pairs[key] = true
		serverID, original, err := c.Resolve(d.Name)
		require.NoError(t, err)
		require.Equal(t, d.ServerID, serverID)
		require.Equal(t, d.OriginalName, original)
	}
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()

	tool := &mcp.Tool{
		Name: "execute_query",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"sql"},
			"properties": map[string]any{
				"sql": map[string]any{"type": "string"},
			},
		},
	}
	c := Build(context.Background(), []mcpmgr.Session{&fakeSession{id: "db", tools: []*mcp.Tool{tool}}}, nil)
	d, ok := c.Lookup("execute_query")
	require.True(t, ok)

	assert.NoError(t, d.ValidateArguments(map[string]any{"sql": "select 1"}))
	assert.Error(t, d.ValidateArguments(map[string]any{"sql": 1}))
	assert.Error(t, d.ValidateArguments(nil))

	loose := ToolDescriptor{Name: "any"}
	assert.NoError(t, loose.ValidateArguments(map[string]any{"x": 1}))
}

func TestRender(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "db", tools: toolsNamed("execute_query")},
	}, nil)
	out, err := c.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "name: execute_query")
	assert.Contains(t, out, "server: db")

	empty, err := Empty().Render()
	require.NoError(t, err)
	assert.Equal(t, "tools: []\n", empty)
}

func TestLiveRefreshSwapsWholesale(t *testing.T) {
	t.Parallel()

	live := NewLive(nil)
	assert.Equal(t, 0, live.Current().Len())

	s := &fakeSession{id: "db", tools: toolsNamed("a")}
	before := live.Refresh(context.Background(), []mcpmgr.Session{s})
	assert.Equal(t, []string{"a"}, live.Current().Names())

	s.tools = toolsNamed("a", "b")
	live.Refresh(context.Background(), []mcpmgr.Session{s})
	assert.Equal(t, []string{"a", "b"}, live.Current().Names())
	assert.Equal(t, []string{"a"}, before.Names(), "old snapshot is untouched")
}

func TestServerPrefixNamespace(t *testing.T) {
	t.Parallel()

	ns := ServerPrefixNamespace{}
	assert.Equal(t, "alpha.echo", ns.Qualify("alpha", "echo"))
	serverID, tool, ok := ns.Split("alpha.echo")
	require.True(t, ok)
	assert.Equal(t, "alpha", serverID)
	assert.Equal(t, "echo", tool)

	_, _, ok = ns.Split("plain")
	assert.False(t, ok)

	custom := ServerPrefixNamespace{Separator: "__"}
	assert.Equal(t, "alpha__echo", custom.Qualify("alpha", "echo"))
}

func TestResolveSuggestsBareNameForQualifiedGuess(t *testing.T) {
	t.Parallel()

	c := Build(context.Background(), []mcpmgr.Session{
		&fakeSession{id: "db", tools: toolsNamed("execute_query")},
		&fakeSession{id: "fs", tools: toolsNamed("file_write")},
	}, nil)

	_, _, err := c.Resolve("db.execute_query")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTool))
	assert.Contains(t, err.Error(), "did you mean execute_query?")

	_, _, err = c.Resolve("fs.execute_query")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")
}
