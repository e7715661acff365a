package mcpgateway

import (
	"maps"
	"reflect"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
)

// featureIndex tracks which catalog tools are published on the gateway
// server so a catalog swap can be applied as a diff.
type featureIndex struct {
	mu    sync.RWMutex
	tools map[string]toolTarget
}

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
	Description string
	Schema      any
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex() *featureIndex {
	return &featureIndex{tools: make(map[string]toolTarget)}
}

// Update replaces the published set with the catalog's tools. Tools whose
// owner, native name or schema changed are removed and added again.
func (f *featureIndex) Update(descs []catalog.ToolDescriptor) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]toolTarget, len(descs))
	for _, d := range descs {
		target := toolTarget{
			GatewayName: d.Name,
			ServerID:    d.ServerID,
			NativeName:  d.OriginalName,
			Description: d.Description,
			Schema:      d.InputSchema,
		}
		next[d.Name] = target
		if prev, ok := f.tools[d.Name]; ok && sameTarget(prev, target) {
			continue
		}
		added = append(added, toolRegistration{Tool: cloneTool(d), Target: target})
	}
	for name, prev := range f.tools {
		if cur, ok := next[name]; !ok || !sameTarget(prev, cur) {
			removed = append(removed, name)
		}
	}
	f.tools = next
	return removed, added
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

func (f *featureIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tools)
}

func sameTarget(a, b toolTarget) bool {
	return a.ServerID == b.ServerID &&
		a.NativeName == b.NativeName &&
		a.Description == b.Description &&
		reflect.DeepEqual(a.Schema, b.Schema)
}

func cloneTool(d catalog.ToolDescriptor) *mcp.Tool {
	return &mcp.Tool{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		InputSchema: objectSchema(d.InputSchema),
		Meta: withMeta(nil, map[string]any{
			metaKeyServerID:   d.ServerID,
			metaKeyNativeName: d.OriginalName,
		}),
	}
}

// objectSchema returns the schema when it is a JSON object schema, and an
// empty object schema otherwise; the server refuses anything else.
func objectSchema(schema any) any {
	if m, ok := schema.(map[string]any); ok && m["type"] == "object" {
		return m
	}
	return map[string]any{"type": "object"}
}

func withMeta(meta mcp.Meta, extra map[string]any) mcp.Meta {
	out := make(mcp.Meta, len(meta)+len(extra))
	maps.Copy(out, meta)
	maps.Copy(out, extra)
	return out
}
