// Package mcpgateway republishes the merged tool catalog as a single
// Streamable HTTP MCP server. Downstream clients see the same tool names the
// model sees, and every call is dispatched through the router, so namespacing,
// readiness checks and timeouts behave identically for both.
package mcpgateway
