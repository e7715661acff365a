package catalog

import (
	"encoding/json"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDescriptor is one entry of the merged namespace. It is immutable once
// the catalog is built.
type ToolDescriptor struct {
	// Name is the presented name, unique within the catalog.
	Name string
	// ServerID owns the tool.
	ServerID string
	// OriginalName is the name the server knows the tool by.
	OriginalName string
	Title        string
	Description  string
	// InputSchema is the server's JSON schema for the arguments, as decoded
	// from the wire.
	InputSchema any

	resolved *jsonschema.Resolved
}

// Qualified reports whether the presented name differs from the server's
// name for the tool.
func (d ToolDescriptor) Qualified() bool {
	return d.Name != d.OriginalName
}

// ValidateArguments checks args against the tool's input schema. Tools
// whose schema could not be compiled accept any arguments.
func (d ToolDescriptor) ValidateArguments(args map[string]any) error {
	if d.resolved == nil {
		return nil
	}
	var instance any = args
	if args == nil {
		instance = map[string]any{}
	}
	if err := d.resolved.Validate(instance); err != nil {
		return errors.Wrapf(err, "arguments for %s", d.Name)
	}
	return nil
}

func newDescriptor(serverID string, tool *mcp.Tool, logger *slog.Logger) ToolDescriptor {
	d := ToolDescriptor{
		Name:         tool.Name,
		ServerID:     serverID,
		OriginalName: tool.Name,
		Title:        tool.Title,
		Description:  tool.Description,
		InputSchema:  tool.InputSchema,
	}
	if d.Title == "" && tool.Annotations != nil {
		d.Title = tool.Annotations.Title
	}
	resolved, err := compileSchema(tool.InputSchema)
	if err != nil {
		logger.Warn("input schema not usable for validation",
			"server", serverID, "tool", tool.Name, "error", err)
	}
	d.resolved = resolved
	return d
}

// compileSchema converts the wire form of a schema into a resolved
// jsonschema. A nil schema yields nil without error.
func compileSchema(raw any) (*jsonschema.Resolved, error) {
	if raw == nil {
		return nil, nil
	}
	var schema *jsonschema.Schema
	switch v := raw.(type) {
	case *jsonschema.Schema:
		schema = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal schema")
		}
		schema = new(jsonschema.Schema)
		if err := json.Unmarshal(data, schema); err != nil {
			return nil, errors.Wrap(err, "decode schema")
		}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, errors.Wrap(err, "resolve schema")
	}
	return resolved, nil
}
