package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"mcphub/internal/config"
	"mcphub/internal/oauth"
	"mcphub/internal/store"
	"mcphub/internal/upstream"
	"mcphub/pkg/logging"
)

// Registry owns every upstream runtime record: it loads configs, connects
// transports, keeps catalogs fresh, arms keep-alives, and records OAuth
// authorization requirements. All mutation of the record map is serialized
// here; per-upstream state is mutated only through the record's own lock.
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream
	providers map[string]*oauth.Provider

	settings *config.Store
	repo     store.Repository

	listenerMu sync.RWMutex
	listeners  []func()

	newClient ClientFactory

	wg sync.WaitGroup
}

// ClientFactory builds a transport client for an upstream config. The
// default is upstream.NewClientFromConfig; tests substitute fakes.
type ClientFactory func(cfg *config.UpstreamConfig, tokens upstream.TokenProvider, initTimeout time.Duration) (upstream.Client, error)

// NewRegistry builds an empty registry over the settings store.
func NewRegistry(settings *config.Store, repo store.Repository) *Registry {
	return &Registry{
		upstreams: make(map[string]*Upstream),
		providers: make(map[string]*oauth.Provider),
		settings:  settings,
		repo:      repo,
		newClient: upstream.NewClientFromConfig,
	}
}

// SetClientFactory overrides how transport clients are constructed.
func (r *Registry) SetClientFactory(factory ClientFactory) {
	r.newClient = factory
}

// OnCatalogChanged registers a callback invoked whenever a published catalog
// changes. Callbacks must not block; failures are the callback's problem.
func (r *Registry) OnCatalogChanged(fn func()) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// NotifyToolChanged fans the change out to every listener. Best-effort and
// unordered.
func (r *Registry) NotifyToolChanged() {
	r.listenerMu.RLock()
	listeners := make([]func(), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// RegisterAll initializes every configured upstream, or just the named one.
// Re-initialization is idempotent: already-connected upstreams are left
// untouched unless their name matches the argument.
func (r *Registry) RegisterAll(ctx context.Context, only string) error {
	settings := r.settings.Raw()

	var wg sync.WaitGroup
	for name := range settings.MCPServers {
		cfg := settings.MCPServers[name]
		if only != "" && name != only {
			continue
		}
		if only == "" {
			if u, ok := r.Upstream(name); ok && u.Status() == StatusConnected {
				continue
			}
		}

		wg.Add(1)
		go func(cfg config.UpstreamConfig) {
			defer wg.Done()
			r.connect(ctx, cfg)
		}(cfg)
	}
	wg.Wait()

	r.NotifyToolChanged()
	return nil
}

// Upstream returns the runtime record for a name.
func (r *Registry) Upstream(name string) (*Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstreams[name]
	return u, ok
}

// Snapshot returns the records sorted by name.
func (r *Registry) Snapshot() []*Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StatusSummary is one upstream's name and status, published to the cluster.
type StatusSummary struct {
	Name   string
	Status string
}

// Statuses summarizes every record for cluster membership publishing.
func (r *Registry) Statuses() []StatusSummary {
	snapshot := r.Snapshot()
	out := make([]StatusSummary, 0, len(snapshot))
	for _, u := range snapshot {
		out = append(out, StatusSummary{Name: u.Name(), Status: string(u.Status())})
	}
	return out
}

// Healthy reports whether every enabled upstream is connected (or a ready
// on-demand upstream).
func (r *Registry) Healthy() bool {
	for _, u := range r.Snapshot() {
		if !u.Healthy() {
			return false
		}
	}
	return true
}

// Separator returns the process-wide name separator.
func (r *Registry) Separator() string {
	return r.settings.Raw().Separator()
}

// Provider returns the OAuth provider for an upstream, creating it lazily.
// The provider exists even for upstreams without an oauth block so that a
// 401 challenge can bootstrap dynamic registration.
func (r *Registry) Provider(name string) *oauth.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providerLocked(name)
}

func (r *Registry) providerLocked(name string) *oauth.Provider {
	if p, ok := r.providers[name]; ok {
		return p
	}
	settings := r.settings.Raw()
	var oauthCfg *config.OAuthConfig
	if sc, ok := settings.MCPServers[name]; ok {
		oauthCfg = sc.OAuth
	}
	p := oauth.NewProvider(name, oauthCfg, settings.PublicBaseURL, r.repo, r)
	r.providers[name] = p
	return p
}

// record returns (creating if needed) the runtime record for a config.
func (r *Registry) record(cfg config.UpstreamConfig) *Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.upstreams[cfg.Name]
	if !ok {
		u = &Upstream{}
		r.upstreams[cfg.Name] = u
	}
	u.mu.Lock()
	u.cfg = cfg
	u.mu.Unlock()
	return u
}

// connect runs the per-upstream connect algorithm.
func (r *Registry) connect(ctx context.Context, cfg config.UpstreamConfig) {
	u := r.record(cfg)
	settings := r.settings.Raw()
	sep := settings.Separator()

	// Tear down whatever was there: reconnecting an upstream always starts
	// from a clean transport.
	r.teardown(u)

	if !cfg.IsEnabled() {
		u.mu.Lock()
		u.status = StatusDisconnected
		u.lastError = ""
		u.mu.Unlock()
		logging.Debug("Registry", "Upstream %s is disabled, skipping", cfg.Name)
		return
	}

	var tokens upstream.TokenProvider
	if cfg.OAuth != nil {
		tokens = r.Provider(cfg.Name)
	}

	client, err := r.newClient(&cfg, tokens, settings.InitTimeout)
	if err != nil {
		// Malformed config: recorded and never retried automatically.
		u.mu.Lock()
		u.status = StatusDisconnected
		u.lastError = err.Error()
		u.mu.Unlock()
		logging.Error("Registry", err, "Invalid config for upstream %s", cfg.Name)
		return
	}

	u.mu.Lock()
	u.status = StatusConnecting
	u.client = client
	u.mu.Unlock()

	client.OnToolListChanged(func() {
		r.refreshCatalog(context.Background(), cfg.Name)
	})

	if err := client.Initialize(ctx); err != nil {
		r.handleConnectError(ctx, u, cfg, err)
		return
	}

	tools, prompts, err := listCapabilities(ctx, client)
	if err != nil {
		client.Close()
		r.handleConnectError(ctx, u, cfg, err)
		return
	}

	// OpenAPI upstreams are synthetic: the indexed document is the
	// connection, so they are always connected, connectionMode
	// notwithstanding.
	if cfg.Kind != config.KindOpenAPI && cfg.IsOnDemand() {
		// Persist the catalog, then drop the transport: the dispatcher
		// reconnects just-in-time per call.
		u.mu.Lock()
		u.publishCatalog(sep, tools, prompts)
		u.status = StatusDisconnected
		u.client = nil
		u.lastError = ""
		u.mu.Unlock()
		client.Close()
		logging.Info("Registry", "Upstream %s catalog loaded (%d tools, on-demand)", cfg.Name, len(tools))
		return
	}

	u.mu.Lock()
	u.publishCatalog(sep, tools, prompts)
	u.status = StatusConnected
	u.lastError = ""
	u.connectedAt = time.Now()
	u.mu.Unlock()

	if cfg.Kind == config.KindSSE {
		r.armKeepAlive(u, cfg)
	}

	logging.Info("Registry", "Upstream %s connected (%d tools, %d prompts)",
		cfg.Name, len(tools), len(prompts))
}

// listCapabilities queries tools and prompts in parallel. A prompts failure
// is tolerated (many servers don't implement prompts); a tools failure is
// not.
func listCapabilities(ctx context.Context, client upstream.Client) ([]mcp.Tool, []mcp.Prompt, error) {
	var tools []mcp.Tool
	var prompts []mcp.Prompt

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tools, err = client.ListTools(gctx)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		prompts, err = client.ListPrompts(gctx)
		if err != nil {
			logging.Debug("Registry", "Failed to list prompts: %v", err)
			prompts = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return tools, prompts, nil
}

// handleConnectError classifies a connect failure: authorization challenges
// park the upstream in oauth_required, everything else records disconnected.
func (r *Registry) handleConnectError(ctx context.Context, u *Upstream, cfg config.UpstreamConfig, err error) {
	authCapable := cfg.Kind == config.KindSSE || cfg.Kind == config.KindStreamableHTTP

	if authCapable && (errors.Is(err, oauth.ErrAuthorizationRequired) || upstream.IsAuthError(err)) {
		provider := r.Provider(cfg.Name)

		challenge, probeErr := upstream.ProbeAuthorization(ctx, cfg.URL, cfg.Headers)
		if probeErr != nil || challenge == nil {
			challenge = &oauth.WWWAuthenticateParams{Scheme: "Bearer"}
		}

		beginErr := provider.BeginAuthorization(ctx, challenge)
		if errors.Is(beginErr, oauth.ErrAuthorizationRequired) {
			// The sink already flipped the record to oauth_required.
			logging.Info("Registry", "Upstream %s requires authorization", cfg.Name)
			return
		}
		if beginErr != nil {
			err = beginErr
		}
	}

	u.mu.Lock()
	u.status = StatusDisconnected
	u.client = nil
	u.lastError = err.Error()
	u.mu.Unlock()
	logging.Error("Registry", err, "Failed to connect upstream %s", cfg.Name)
}

// armKeepAlive starts the periodic ping for an SSE upstream. Ping failures
// are warnings; the registry does not reconnect from keep-alive.
func (r *Registry) armKeepAlive(u *Upstream, cfg config.UpstreamConfig) {
	interval := cfg.KeepAliveInterval
	if interval <= 0 {
		interval = config.DefaultKeepAliveInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.mu.Lock()
	u.stopKeepAlive = cancel
	u.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.mu.RLock()
				client := u.client
				u.mu.RUnlock()
				if client == nil {
					return
				}
				pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
				if err := client.Ping(pingCtx); err != nil {
					logging.Warn("Registry", "Keep-alive ping failed for %s: %v", cfg.Name, err)
				}
				pingCancel()
			}
		}
	}()
}

// refreshCatalog re-lists tools and prompts of a connected upstream after a
// tools/list_changed notification.
func (r *Registry) refreshCatalog(ctx context.Context, name string) {
	u, ok := r.Upstream(name)
	if !ok {
		return
	}
	u.mu.RLock()
	client := u.client
	status := u.status
	u.mu.RUnlock()
	if status != StatusConnected || client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tools, prompts, err := listCapabilities(ctx, client)
	if err != nil {
		logging.Warn("Registry", "Failed to refresh catalog for %s: %v", name, err)
		return
	}

	sep := r.Separator()
	u.mu.Lock()
	u.publishCatalog(sep, tools, prompts)
	u.mu.Unlock()

	r.NotifyToolChanged()
}

// Reconnect tears the upstream down and rebuilds the transport from the
// persisted config with the same options, re-listing the catalog. Used by
// the dispatcher's bounded retry path.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	settings := r.settings.Raw()
	cfg, ok := settings.MCPServers[name]
	if !ok {
		return fmt.Errorf("upstream %s not configured", name)
	}

	r.connect(ctx, cfg)

	u, ok := r.Upstream(name)
	if !ok {
		return fmt.Errorf("upstream %s not found after reconnect", name)
	}
	if u.Status() != StatusConnected && !u.Usable() {
		return fmt.Errorf("upstream %s failed to reconnect: %s", name, u.LastError())
	}

	r.NotifyToolChanged()
	return nil
}

// AcquireClient hands the dispatcher a client for the named upstream.
// Persistent upstreams return their live client with a no-op release;
// on-demand upstreams get a transient connect whose release always closes,
// even when the call errored.
func (r *Registry) AcquireClient(ctx context.Context, name string) (upstream.Client, func(), error) {
	u, ok := r.Upstream(name)
	if !ok {
		return nil, nil, fmt.Errorf("upstream %s not found", name)
	}
	cfg := u.Config()

	u.mu.RLock()
	client := u.client
	status := u.status
	u.mu.RUnlock()

	if status == StatusConnected && client != nil {
		return client, func() {}, nil
	}

	if cfg.IsOnDemand() {
		settings := r.settings.Raw()
		var tokens upstream.TokenProvider
		if cfg.OAuth != nil {
			tokens = r.Provider(name)
		}
		transient, err := r.newClient(&cfg, tokens, settings.InitTimeout)
		if err != nil {
			return nil, nil, err
		}
		if err := transient.Initialize(ctx); err != nil {
			transient.Close()
			return nil, nil, fmt.Errorf("failed to connect on-demand upstream %s: %w", name, err)
		}
		return transient, func() { transient.Close() }, nil
	}

	return nil, nil, fmt.Errorf("upstream %s is not connected", name)
}

// Remove closes the upstream's transport, clears its keep-alive, deletes the
// record, and drops its provider.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	u, ok := r.upstreams[name]
	if ok {
		delete(r.upstreams, name)
	}
	delete(r.providers, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("upstream %s not found", name)
	}

	r.teardown(u)
	r.NotifyToolChanged()
	logging.Info("Registry", "Removed upstream %s", name)
	return nil
}

// Shutdown closes every transport and waits for keep-alive goroutines.
func (r *Registry) Shutdown() {
	for _, u := range r.Snapshot() {
		r.teardown(u)
	}
	r.wg.Wait()
}

// teardown closes the transport and stops the keep-alive of one record.
func (r *Registry) teardown(u *Upstream) {
	u.mu.Lock()
	client := u.client
	stop := u.stopKeepAlive
	u.client = nil
	u.stopKeepAlive = nil
	u.mu.Unlock()

	if stop != nil {
		stop()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			logging.Warn("Registry", "Error closing client for %s: %v", u.Name(), err)
		}
	}
}

// SetAuthorizationRequired implements oauth.StateSink.
func (r *Registry) SetAuthorizationRequired(server string, pending oauth.PendingAuthorization) {
	u, ok := r.Upstream(server)
	if !ok {
		return
	}
	r.teardown(u)
	u.setAuthorizationRequired(pending)
}

// ClearAuthorizationRequired implements oauth.StateSink.
func (r *Registry) ClearAuthorizationRequired(server string) {
	u, ok := r.Upstream(server)
	if !ok {
		return
	}
	u.clearAuthorizationRequired()
}
