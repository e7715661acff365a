// Package mcpmgr connects to and supervises a set of Model Context Protocol
// (MCP) tool servers from a single Go process. It layers connection lifecycle
// tracking on top of the modelcontextprotocol/go-sdk client so callers can
// focus on discovering and invoking tools.
//
// # Core entry points
//
//   - Registry owns the sessions of one orchestrator. Construct it with
//     NewRegistry, then call ConnectAll with the endpoints to dial and
//     DisconnectAll when done. Registries share no state with each other.
//   - Endpoint pairs a server id with a ServerConfig. The StdioServerConfig,
//     HTTPServerConfig and TransportServerConfig variants declare how each
//     server is launched or contacted.
//   - Session is the per-server handle used by the catalog and router. Each
//     session processes one in-flight request at a time.
//   - Options set client identifiers, the connect timeout, JSON-RPC logging,
//     and an optional Dialer that replaces MCP connection establishment.
//
// ConnectAll never fails as a whole: every endpoint is dialed concurrently and
// the result lists established sessions and per-endpoint failures in endpoint
// order. ConnectResult.Err reports ErrNoServersAvailable when nothing
// connected. Liveness of each server is visible through Handles and
// OnStateChange.
//
// Tool call failures are reported as *ToolError with a Kind (tool, protocol,
// transport, closed) and the server's diagnostic text.
//
// When inspecting configurations returned from Handles, use the helper
// guards and narrowers (IsStdio/IsHTTP and AsStdio/AsHTTP) or TransportOf to
// branch on the concrete transport type.
package mcpmgr
