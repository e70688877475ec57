// Package upstream implements the transport adapters behind the Client
// interface: local subprocesses speaking MCP on stdio, SSE and streamable
// HTTP remotes (optionally OAuth-authenticated), and the OpenAPI translation
// that exposes REST operations as synthetic MCP tools.
package upstream
