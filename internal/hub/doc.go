// Package hub is the downstream-facing half of the gateway: it accepts MCP
// sessions over SSE and streamable HTTP, binds each session to a routing
// scope (optional user plus group), and dispatches tools/list, tools/call,
// prompts/list, and prompts/get to the right upstream through the registry.
//
// Each routing scope gets its own mcp-go server instance whose registered
// tools are exactly the scope's visible catalog, so group filtering and the
// $smart discovery surface fall out of instance selection rather than
// per-request filtering. The auth edge (bearer key, user path validation,
// global-route policy) runs before any transport work, reading the raw
// settings view. When clustering is enabled, requests carrying a session id
// owned by another node are proxied verbatim to that node.
package hub
