package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/config"
	"mcphub/internal/oauth"
	"mcphub/internal/upstream"
)

// Status is the lifecycle state of an upstream runtime record.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusOAuthRequired Status = "oauth_required"
)

// ToolEntry is one published catalog entry: the exposed (prefixed,
// override-applied) tool plus the upstream-side original name.
type ToolEntry struct {
	Tool     mcp.Tool
	Original string
}

// PromptEntry mirrors ToolEntry for prompts.
type PromptEntry struct {
	Prompt   mcp.Prompt
	Original string
}

// Upstream is the runtime record of one configured upstream, owned by the
// Registry. Exactly one transport/client pair exists while the status is
// connecting or connected; on-demand upstreams hold a transient client only
// for the duration of one dispatched call.
type Upstream struct {
	mu sync.RWMutex

	cfg    config.UpstreamConfig
	status Status
	client upstream.Client

	tools   []ToolEntry
	prompts []PromptEntry
	// catalogReady marks that tools/prompts were listed at least once; for
	// on-demand upstreams this is what makes them usable while disconnected.
	catalogReady bool

	lastError string

	// pending authorization hint, set while status is oauth_required
	authURL      string
	authState    string
	codeVerifier string

	stopKeepAlive func()
	connectedAt   time.Time
}

// Name returns the upstream's configured name.
func (u *Upstream) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.cfg.Name
}

// Config returns the config snapshot.
func (u *Upstream) Config() config.UpstreamConfig {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.cfg
}

// Status returns the current lifecycle state.
func (u *Upstream) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

// LastError returns the recorded error text, if any.
func (u *Upstream) LastError() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastError
}

// AuthorizationHint returns the pending authorization parameters while the
// upstream is oauth_required.
func (u *Upstream) AuthorizationHint() (authURL, state, verifier string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.authURL, u.authState, u.codeVerifier
}

// Enabled reports the configured enabled flag.
func (u *Upstream) Enabled() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.cfg.IsEnabled()
}

// Usable reports whether the dispatcher may route calls to this upstream:
// connected, or on-demand with a published catalog.
func (u *Upstream) Usable() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.cfg.IsEnabled() {
		return false
	}
	if u.status == StatusConnected {
		return true
	}
	return u.cfg.IsOnDemand() && u.catalogReady
}

// Healthy reports whether the upstream counts as healthy for /health: a
// disabled upstream always is; an enabled one must be connected or be a
// ready on-demand upstream.
func (u *Upstream) Healthy() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.cfg.IsEnabled() {
		return true
	}
	if u.status == StatusConnected {
		return true
	}
	return u.cfg.IsOnDemand() && u.catalogReady && u.lastError == ""
}

// Tools returns a copy of the published tool catalog.
func (u *Upstream) Tools() []ToolEntry {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]ToolEntry, len(u.tools))
	copy(out, u.tools)
	return out
}

// Prompts returns a copy of the published prompt catalog.
func (u *Upstream) Prompts() []PromptEntry {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]PromptEntry, len(u.prompts))
	copy(out, u.prompts)
	return out
}

// HasTool reports whether the exposed tool name is in the catalog.
func (u *Upstream) HasTool(exposed string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, t := range u.tools {
		if t.Tool.Name == exposed {
			return true
		}
	}
	return false
}

// HasOriginalTool reports whether the upstream-side tool name is published.
func (u *Upstream) HasOriginalTool(original string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, t := range u.tools {
		if t.Original == original {
			return true
		}
	}
	return false
}

// publishCatalog applies visibility filters, name prefixing, and description
// overrides, then stores the result. Caller must hold the write lock.
func (u *Upstream) publishCatalog(sep string, tools []mcp.Tool, prompts []mcp.Prompt) {
	prefix := u.cfg.Name + sep

	u.tools = u.tools[:0]
	for _, tool := range tools {
		override, hasOverride := u.cfg.Tools[tool.Name]
		if hasOverride && !override.Allowed() {
			continue
		}
		exposed := tool
		exposed.Name = prefix + tool.Name
		if hasOverride && override.Description != "" {
			exposed.Description = override.Description
		}
		sanitizeSchema(&exposed)
		u.tools = append(u.tools, ToolEntry{Tool: exposed, Original: tool.Name})
	}

	u.prompts = u.prompts[:0]
	for _, prompt := range prompts {
		override, hasOverride := u.cfg.Prompts[prompt.Name]
		if hasOverride && !override.Allowed() {
			continue
		}
		exposed := prompt
		exposed.Name = prefix + prompt.Name
		if hasOverride && override.Description != "" {
			exposed.Description = override.Description
		}
		u.prompts = append(u.prompts, PromptEntry{Prompt: exposed, Original: prompt.Name})
	}

	u.catalogReady = true
}

// sanitizeSchema strips "$schema" keys some servers embed in their input
// schemas, which confuse downstream clients.
func sanitizeSchema(tool *mcp.Tool) {
	stripSchemaKey(tool.InputSchema.Properties)
}

func stripSchemaKey(m map[string]interface{}) {
	if m == nil {
		return
	}
	delete(m, "$schema")
	for _, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			stripSchemaKey(nested)
		}
	}
}

// setAuthorizationRequired flips the record into oauth_required with the
// pending flow hint.
func (u *Upstream) setAuthorizationRequired(pending oauth.PendingAuthorization) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = StatusOAuthRequired
	u.authURL = pending.AuthorizationURL
	u.authState = pending.State
	u.codeVerifier = pending.CodeVerifier
	u.lastError = "authorization required"
}

// clearAuthorizationRequired drops the hint after tokens were saved. The
// status stays oauth_required until the next RegisterAll reconnects.
func (u *Upstream) clearAuthorizationRequired() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.authURL = ""
	u.authState = ""
	u.codeVerifier = ""
	u.lastError = ""
}

// MatchesToolPrefix reports whether exposed starts with this upstream's
// prefix and returns the original name.
func (u *Upstream) MatchesToolPrefix(exposed, sep string) (string, bool) {
	u.mu.RLock()
	name := u.cfg.Name
	u.mu.RUnlock()
	prefix := name + sep
	if !strings.HasPrefix(exposed, prefix) {
		return "", false
	}
	return strings.TrimPrefix(exposed, prefix), true
}
