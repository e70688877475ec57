// Package oauth implements the per-upstream OAuth 2.0 client used to reach
// protected MCP servers: RFC 9728 protected-resource discovery, RFC 8414
// issuer metadata, RFC 7591 dynamic client registration, and the
// authorization-code + PKCE flow.
//
// The flow is server-side: instead of redirecting a user agent, the provider
// stamps a pendingAuthorization record (authorization URL, state, verifier)
// and fails the connect attempt with ErrAuthorizationRequired. An
// administrative surface later delivers the authorization code to
// CompleteAuthorization. Status transitions on the upstream record go
// through the StateSink interface so the registry stays the single owner of
// runtime state.
package oauth
