package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"

	"mcphub/internal/cluster"
	"mcphub/internal/config"
	"mcphub/internal/registry"
	"mcphub/internal/reqctx"
	"mcphub/pkg/logging"
)

// Server is the downstream-facing HTTP surface: it terminates the MCP
// transports, enforces the auth edge, owns the per-scope MCP server
// instances, and forwards requests pinned to other cluster nodes.
type Server struct {
	settings   *config.Store
	registry   *registry.Registry
	dispatcher *Dispatcher
	sessions   *SessionTable

	coordinator *cluster.Coordinator
	proxy       *cluster.Proxy

	mu     sync.RWMutex
	scopes map[string]*scopeServer

	httpServers []*http.Server
	cancel      context.CancelFunc
}

// NewServer wires the hub surface. The coordinator may be nil when
// clustering is disabled.
func NewServer(settings *config.Store, reg *registry.Registry, dispatcher *Dispatcher, sessions *SessionTable, coordinator *cluster.Coordinator) *Server {
	s := &Server{
		settings:    settings,
		registry:    reg,
		dispatcher:  dispatcher,
		sessions:    sessions,
		coordinator: coordinator,
		proxy:       cluster.NewProxy(),
		scopes:      make(map[string]*scopeServer),
	}

	reg.OnCatalogChanged(s.syncScopes)
	return s
}

// Start binds the HTTP listener (or adopts systemd-activated sockets) and
// serves until Stop.
func (h *Server) Start(ctx context.Context) error {
	_, h.cancel = context.WithCancel(ctx)

	raw := h.settings.Raw()
	addr := fmt.Sprintf("%s:%d", raw.Host, raw.Port)
	handler := h.routes()

	var listeners []net.Listener
	if systemdListeners, err := activation.Listeners(); err != nil {
		logging.Error("Hub", err, "Failed to get systemd listeners")
	} else {
		listeners = systemdListeners
	}

	if len(listeners) > 0 {
		logging.Info("Hub", "Systemd socket activation detected, using %d provided listener(s)", len(listeners))
		for i, l := range listeners {
			srv := &http.Server{Handler: handler}
			h.httpServers = append(h.httpServers, srv)
			go func(s *http.Server, l net.Listener, index int) {
				if err := s.Serve(l); err != nil && err != http.ErrServerClosed {
					logging.Error("Hub", err, "listener %d: HTTP server error", index)
				}
			}(srv, l, i)
		}
	} else {
		logging.Info("Hub", "Starting MCP hub on %s (basePath=%q)", addr, raw.BasePath)
		srv := &http.Server{Addr: addr, Handler: handler}
		h.httpServers = append(h.httpServers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Hub", err, "HTTP server error")
			}
		}()
	}

	return nil
}

// Stop gracefully shuts down the HTTP servers and per-scope instances.
func (h *Server) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, srv := range h.httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Hub", err, "Error shutting down HTTP server")
		}
	}
	h.httpServers = nil

	h.mu.Lock()
	for _, sc := range h.scopes {
		sc.shutdown()
	}
	h.scopes = make(map[string]*scopeServer)
	h.mu.Unlock()

	return nil
}

// routes builds the HTTP mux: health and protected-resource metadata at
// root, everything else through the path router under basePath.
func (h *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.handleProtectedResource)
	if base := h.settings.Raw().BasePath; base != "" {
		mux.HandleFunc("/.well-known/oauth-protected-resource"+base, h.handleProtectedResource)
	}
	mux.HandleFunc("/", h.handleMCP)
	return mux
}

// handleHealth returns 200 when all enabled upstreams are connected.
func (h *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"status":"degraded"}`))
}

// handleProtectedResource serves the RFC 9728 document advertising the hub
// as a protected resource when bearer auth is on.
func (h *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	raw := h.settings.Raw()
	base := raw.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", raw.Host, raw.Port)
	}
	doc := map[string]interface{}{
		"resource":                 strings.TrimSuffix(base, "/") + raw.BasePath,
		"bearer_methods_supported": []string{"header"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// route is one parsed downstream path.
type route struct {
	user     string
	endpoint string // sse | messages | mcp
	group    string
}

// parsePath resolves a request path (relative to basePath) into a route.
// Layout: /[<user>/]<endpoint>[/<group>...] where the group may span
// segments ($smart/<g>).
func parsePath(basePath, path string) (route, bool) {
	if basePath != "" {
		if !strings.HasPrefix(path, basePath) {
			return route{}, false
		}
		path = strings.TrimPrefix(path, basePath)
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return route{}, false
	}

	isEndpoint := func(s string) bool {
		return s == "sse" || s == "messages" || s == "mcp"
	}

	var rt route
	idx := 0
	if !isEndpoint(segments[0]) {
		if len(segments) < 2 || !isEndpoint(segments[1]) {
			return route{}, false
		}
		rt.user = segments[0]
		idx = 1
	}
	rt.endpoint = segments[idx]
	if idx+1 < len(segments) {
		rt.group = strings.Join(segments[idx+1:], "/")
	}
	return rt, true
}

// handleMCP is the transport entry point: auth edge first, then cluster
// affinity, then the scope server.
func (h *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	raw := h.settings.Raw()

	rt, ok := parsePath(raw.BasePath, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if !h.checkBearerAuth(w, r) {
		return
	}
	if !h.checkUserScope(w, r, rt.user) {
		return
	}

	scope := Scope{User: rt.user, Group: rt.group}

	// Sticky routing: a request carrying a session id owned by another node
	// is forwarded verbatim.
	if sessionID := requestSessionID(r, rt); sessionID != "" {
		if h.forwardIfRemote(w, r, sessionID) {
			return
		}
	}

	switch rt.endpoint {
	case "sse":
		if !h.checkGlobalRoute(w, scope) {
			return
		}
		h.serveSSE(w, r, scope)
	case "messages":
		h.serveMessages(w, r, rt)
	case "mcp":
		if !h.checkGlobalRoute(w, scope) {
			return
		}
		h.serveStreamable(w, r, scope)
	default:
		http.NotFound(w, r)
	}
}

// requestSessionID extracts the session id a request claims, per transport.
func requestSessionID(r *http.Request, rt route) string {
	if rt.endpoint == "messages" {
		return r.URL.Query().Get("sessionId")
	}
	return r.Header.Get("mcp-session-id")
}

// forwardIfRemote consults the coordinator and proxies when the session is
// pinned to another node. Returns true when the request was handled.
func (h *Server) forwardIfRemote(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if h.coordinator == nil {
		return false
	}
	// A locally known session is always local; skip the adapter round-trip.
	if _, ok := h.sessions.Get(sessionID); ok {
		return false
	}

	rec, err := h.coordinator.GetSession(r.Context(), sessionID)
	if err != nil {
		logging.Warn("Hub", "Cluster session lookup failed for %s: %v",
			logging.TruncateSessionID(sessionID), err)
		return false
	}
	if rec == nil || h.coordinator.IsLocal(rec) {
		return false
	}

	baseURL, err := h.coordinator.GetNodeBaseURL(r.Context(), rec.NodeID)
	if err != nil || baseURL == "" {
		logging.Warn("Hub", "No base URL for node %s: %v", rec.NodeID, err)
		http.Error(w, "owning node unavailable", http.StatusBadGateway)
		return true
	}

	logging.Debug("Hub", "Forwarding session %s to node %s",
		logging.TruncateSessionID(sessionID), rec.NodeID)
	h.proxy.Forward(w, r, baseURL)
	return true
}

// serveSSE opens the event stream on the scope's SSE server.
func (h *Server) serveSSE(w http.ResponseWriter, r *http.Request, scope Scope) {
	sc := h.scopeServer(scope)
	r = r.WithContext(reqctx.WithHeaders(r.Context(), r.Header))
	sc.sse.ServeHTTP(w, r)
}

// serveMessages routes a client-to-server frame to the SSE server instance
// that minted the session.
func (h *Server) serveMessages(w http.ResponseWriter, r *http.Request, rt route) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	session, ok := h.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	sc := h.scopeServer(session.Scope)
	r = r.WithContext(reqctx.WithHeaders(r.Context(), r.Header))
	sc.sse.ServeHTTP(w, r)
}

// serveStreamable hands POST/GET/DELETE to the scope's streamable server.
func (h *Server) serveStreamable(w http.ResponseWriter, r *http.Request, scope Scope) {
	sc := h.scopeServer(scope)
	r = r.WithContext(reqctx.WithHeaders(r.Context(), r.Header))
	sc.streamable.ServeHTTP(w, r)
}

// scopeServer returns (creating lazily) the per-scope MCP server instance.
func (h *Server) scopeServer(scope Scope) *scopeServer {
	key := scope.Key()

	h.mu.RLock()
	sc, ok := h.scopes[key]
	h.mu.RUnlock()
	if ok {
		return sc
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sc, ok := h.scopes[key]; ok {
		return sc
	}

	raw := h.settings.Raw()
	baseURL := raw.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", raw.Host, raw.Port)
	}

	sc = newScopeServer(scope, h.dispatcher, h.sessions, baseURL,
		h.ssePath(raw, scope), h.messagePath(raw, scope))
	h.scopes[key] = sc
	logging.Debug("Hub", "Created scope server for user=%q group=%q", scope.User, scope.Group)
	return sc
}

func (h *Server) ssePath(s *config.Settings, scope Scope) string {
	path := s.BasePath
	if scope.User != "" {
		path += "/" + scope.User
	}
	path += "/sse"
	if scope.Group != "" {
		path += "/" + scope.Group
	}
	return path
}

func (h *Server) messagePath(s *config.Settings, scope Scope) string {
	path := s.BasePath
	if scope.User != "" {
		path += "/" + scope.User
	}
	return path + "/messages"
}

// syncScopes reconciles every live scope server after a catalog change. The
// mcp-go server pushes tools/list_changed to its sessions as part of the
// add/delete calls; individual send failures are logged by the library and
// do not abort the fan-out.
func (h *Server) syncScopes() {
	h.mu.RLock()
	scopes := make([]*scopeServer, 0, len(h.scopes))
	for _, sc := range h.scopes {
		scopes = append(scopes, sc)
	}
	h.mu.RUnlock()

	for _, sc := range scopes {
		sc.sync()
	}
}
