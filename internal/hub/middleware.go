package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mcphub/internal/config"
)

// identityKey carries the externally authenticated username. The user
// authentication middleware (outside this core) stores the identity either
// in the request context or in the X-Authenticated-User header.
type identityKey struct{}

// WithAuthenticatedUser returns a context carrying the caller identity.
// Exposed for the external authentication middleware and tests.
func WithAuthenticatedUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, identityKey{}, user)
}

// authenticatedUser resolves the caller identity, if any.
func authenticatedUser(r *http.Request) string {
	if user, ok := r.Context().Value(identityKey{}).(string); ok && user != "" {
		return user
	}
	return r.Header.Get("X-Authenticated-User")
}

// resourceMetadataURL advertises where the hub's protected-resource document
// lives, per RFC 9728.
func resourceMetadataURL(s *config.Settings) string {
	base := s.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", s.Host, s.Port)
	}
	return strings.TrimSuffix(base, "/") + "/.well-known/oauth-protected-resource" + s.BasePath
}

// writeUnauthorized sends the RFC 6750 challenge with a JSON body.
func writeUnauthorized(w http.ResponseWriter, s *config.Settings, description string) {
	metadata := resourceMetadataURL(s)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error="invalid_token", error_description=%q, resource_metadata=%q`,
		description, metadata))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": description,
		"resource_metadata": metadata,
	})
}

// writeForbidden sends the user-scope mismatch response.
func writeForbidden(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "forbidden",
		"error_description": description,
	})
}

// checkBearerAuth enforces the configured bearer key. The policy and the key
// are read from the raw settings: the user-filtered view must never gate
// authentication.
func (h *Server) checkBearerAuth(w http.ResponseWriter, r *http.Request) bool {
	raw := h.settings.Raw()
	if !raw.Routing.EnableBearerAuth {
		return true
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeUnauthorized(w, raw, "missing bearer token")
		return false
	}
	if token != raw.Routing.BearerAuthKey {
		writeUnauthorized(w, raw, "invalid bearer token")
		return false
	}
	return true
}

// checkUserScope validates a user path segment: the authenticated caller's
// username must equal it exactly.
func (h *Server) checkUserScope(w http.ResponseWriter, r *http.Request, pathUser string) bool {
	if pathUser == "" {
		return true
	}

	caller := authenticatedUser(r)
	if caller == "" {
		writeUnauthorized(w, h.settings.Raw(), "authentication required for user-scoped routes")
		return false
	}
	if caller != pathUser {
		writeForbidden(w, fmt.Sprintf("authenticated user %q cannot access routes of %q", caller, pathUser))
		return false
	}
	return true
}

// checkGlobalRoute rejects group-less sessions when the global route is
// disabled.
func (h *Server) checkGlobalRoute(w http.ResponseWriter, scope Scope) bool {
	if scope.Group != "" {
		return true
	}
	if h.settings.Raw().Routing.GlobalRouteEnabled() {
		return true
	}
	writeForbidden(w, "global route is disabled; use a group-scoped endpoint")
	return false
}
