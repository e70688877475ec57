// Package registry owns the runtime records of all configured upstream MCP
// servers: connection lifecycle, published tool/prompt catalogs with
// name-prefixing and per-tool visibility, SSE keep-alives, and the
// oauth_required parking state fed by the OAuth provider through the
// StateSink interface.
//
// The registry map has a single writer; per-upstream state is guarded by the
// record's own lock, and no lock is held across transport I/O.
package registry
