package hub

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/config"
	"mcphub/internal/registry"
	"mcphub/internal/search"
	"mcphub/pkg/logging"
)

// retryableCallPrefix is the one transport failure that triggers the bounded
// reconnect-and-retry path: an SSE or streamable-http POST rejected with an
// HTTP 40x, which happens when the remote recycled the session.
const retryableCallPrefix = "Error POSTing to endpoint (HTTP 40"

// Dispatcher resolves downstream MCP operations to the right upstream(s),
// applying group and user visibility, and streams results back.
type Dispatcher struct {
	registry *registry.Registry
	settings *config.Store
	searcher search.Searcher
}

// NewDispatcher wires the dispatcher over the registry and settings store.
func NewDispatcher(reg *registry.Registry, settings *config.Store, searcher search.Searcher) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		settings: settings,
		searcher: searcher,
	}
}

// visibleUpstreams returns the upstream records in scope, enabled first and
// then by name. The user filter applies the user-scoped settings view; the
// group filter applies group membership or the single-upstream fallback.
func (d *Dispatcher) visibleUpstreams(scope Scope) []*registry.Upstream {
	settings := d.settings.ForUser(scope.User)
	group := scope.EffectiveGroup()

	var members map[string]config.GroupMember
	if group != "" {
		if g, ok := settings.Group(group); ok {
			members = make(map[string]config.GroupMember, len(g.Servers))
			for _, m := range g.Servers {
				members[m.Name] = m
			}
		} else if _, ok := settings.MCPServers[group]; ok {
			// No group of that name, but an upstream: restrict to it.
			members = map[string]config.GroupMember{group: {Name: group}}
		} else {
			return nil
		}
	}

	var out []*registry.Upstream
	for _, u := range d.registry.Snapshot() {
		name := u.Name()
		if _, ok := settings.MCPServers[name]; !ok {
			continue
		}
		if members != nil {
			if _, ok := members[name]; !ok {
				continue
			}
		}
		out = append(out, u)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := out[i].Enabled(), out[j].Enabled()
		if ei != ej {
			return ei
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// groupMember returns the membership entry constraining an upstream within
// the scope's group, if the scope has one.
func (d *Dispatcher) groupMember(scope Scope, upstreamName string) (config.GroupMember, bool) {
	group := scope.EffectiveGroup()
	if group == "" {
		return config.GroupMember{}, false
	}
	settings := d.settings.ForUser(scope.User)
	g, ok := settings.Group(group)
	if !ok {
		return config.GroupMember{}, false
	}
	return g.Member(upstreamName)
}

// ListTools returns the unified tool catalog for a scope. Smart scopes get
// exactly the two synthetic discovery tools.
func (d *Dispatcher) ListTools(scope Scope) []mcp.Tool {
	if scope.IsSmart() {
		return d.smartTools(scope)
	}

	var out []mcp.Tool
	for _, u := range d.visibleUpstreams(scope) {
		if !u.Usable() {
			continue
		}
		member, constrained := d.groupMember(scope, u.Name())
		for _, entry := range u.Tools() {
			if constrained && !member.AllowsTool(entry.Original) {
				continue
			}
			out = append(out, entry.Tool)
		}
	}
	return out
}

// ListPrompts mirrors ListTools for prompts. Smart scopes expose none.
func (d *Dispatcher) ListPrompts(scope Scope) []mcp.Prompt {
	if scope.IsSmart() {
		return nil
	}

	var out []mcp.Prompt
	for _, u := range d.visibleUpstreams(scope) {
		if !u.Usable() {
			continue
		}
		for _, entry := range u.Prompts() {
			out = append(out, entry.Prompt)
		}
	}
	return out
}

// CallTool dispatches a downstream tools/call. Two modes: the direct mode
// strips the upstream prefix from the requested name; the smart mode reads
// {toolName, arguments} out of the args and resolves the first enabled
// upstream carrying that tool.
func (d *Dispatcher) CallTool(ctx context.Context, scope Scope, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if scope.IsSmart() {
		switch name {
		case smartToolSearch:
			return d.searchTools(ctx, scope, args)
		case smartToolCall:
			return d.smartCall(ctx, scope, args)
		}
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	u, original, err := d.resolveTool(scope, name)
	if err != nil {
		return nil, err
	}
	return d.dispatchCall(ctx, u, original, args)
}

// smartCall implements the call_tool meta-tool: resolve toolName against the
// catalogs of the enabled upstreams in scope and dispatch to the first hit.
func (d *Dispatcher) smartCall(ctx context.Context, scope Scope, args map[string]interface{}) (*mcp.CallToolResult, error) {
	toolName, _ := args["toolName"].(string)
	if toolName == "" {
		return nil, fmt.Errorf("call_tool requires a toolName argument")
	}
	callArgs, _ := args["arguments"].(map[string]interface{})

	for _, u := range d.visibleUpstreams(scope) {
		if !u.Enabled() || !u.Usable() {
			continue
		}
		if !u.HasTool(toolName) {
			continue
		}
		original, ok := d.originalToolName(u, toolName)
		if !ok {
			continue
		}
		return d.dispatchCall(ctx, u, original, callArgs)
	}
	return nil, fmt.Errorf("tool not found: %s", toolName)
}

// resolveTool maps an exposed tool name to its upstream and original name,
// honoring scope visibility and group whitelists.
func (d *Dispatcher) resolveTool(scope Scope, exposed string) (*registry.Upstream, string, error) {
	sep := d.registry.Separator()
	for _, u := range d.visibleUpstreams(scope) {
		original, ok := u.MatchesToolPrefix(exposed, sep)
		if !ok {
			continue
		}
		if !u.HasOriginalTool(original) {
			continue
		}
		if member, constrained := d.groupMember(scope, u.Name()); constrained && !member.AllowsTool(original) {
			continue
		}
		if !u.Usable() {
			return nil, "", fmt.Errorf("upstream %s is not connected", u.Name())
		}
		return u, original, nil
	}
	return nil, "", fmt.Errorf("tool not found: %s", exposed)
}

// originalToolName reverses the prefixing for an exposed name on a specific
// upstream.
func (d *Dispatcher) originalToolName(u *registry.Upstream, exposed string) (string, bool) {
	original, ok := u.MatchesToolPrefix(exposed, d.registry.Separator())
	return original, ok
}

// dispatchCall performs the upstream invocation with the configured per-call
// timeout and the bounded reconnect-and-retry path for recycled HTTP
// sessions. On-demand upstreams connect transparently and disconnect after
// the call, even on error.
func (d *Dispatcher) dispatchCall(ctx context.Context, u *registry.Upstream, original string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cfg := u.Config()

	callCtx, cancel := d.callContext(ctx, cfg.Options)
	defer cancel()

	client, release, err := d.registry.AcquireClient(callCtx, cfg.Name)
	if err != nil {
		return nil, err
	}

	result, err := client.CallTool(callCtx, original, args)
	release()
	if err == nil {
		return result, nil
	}

	if !d.retryable(cfg, err) {
		return nil, err
	}

	// One reconnect: close both sides, rebuild from the persisted config,
	// re-list tools, retry exactly once. A second failure surfaces as-is.
	logging.Warn("Dispatcher", "Retryable transport failure on %s, reconnecting: %v", cfg.Name, err)
	if reconnectErr := d.registry.Reconnect(ctx, cfg.Name); reconnectErr != nil {
		return nil, err
	}

	client, release, err2 := d.registry.AcquireClient(callCtx, cfg.Name)
	if err2 != nil {
		return nil, err2
	}
	defer release()
	return client.CallTool(callCtx, original, args)
}

// retryable matches the narrow transient-failure pattern of the HTTP
// transports. Everything else propagates without retry.
func (d *Dispatcher) retryable(cfg config.UpstreamConfig, err error) bool {
	if cfg.Kind != config.KindSSE && cfg.Kind != config.KindStreamableHTTP {
		return false
	}
	return strings.Contains(err.Error(), retryableCallPrefix)
}

// callContext derives the per-call deadline from the upstream options. With
// resetTimeoutOnProgress the call may run up to maxTotalTimeout; otherwise
// maxTotalTimeout only caps the base timeout.
func (d *Dispatcher) callContext(ctx context.Context, opts config.CallOptions) (context.Context, context.CancelFunc) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.DefaultCallTimeout
	}
	if opts.ResetTimeoutOnProgress && opts.MaxTotalTimeout > 0 {
		timeout = opts.MaxTotalTimeout
	} else if opts.MaxTotalTimeout > 0 && opts.MaxTotalTimeout < timeout {
		timeout = opts.MaxTotalTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// GetPrompt strips the upstream prefix and forwards.
func (d *Dispatcher) GetPrompt(ctx context.Context, scope Scope, exposed string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	sep := d.registry.Separator()
	for _, u := range d.visibleUpstreams(scope) {
		original, ok := u.MatchesToolPrefix(exposed, sep)
		if !ok {
			continue
		}
		found := false
		for _, entry := range u.Prompts() {
			if entry.Original == original {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		if !u.Usable() {
			return nil, fmt.Errorf("upstream %s is not connected", u.Name())
		}

		cfg := u.Config()
		callCtx, cancel := d.callContext(ctx, cfg.Options)
		defer cancel()

		client, release, err := d.registry.AcquireClient(callCtx, cfg.Name)
		if err != nil {
			return nil, err
		}
		defer release()
		return client.GetPrompt(callCtx, original, args)
	}
	return nil, fmt.Errorf("prompt not found: %s", exposed)
}

// UpstreamStatuses summarizes the registry for cluster heartbeats.
func (d *Dispatcher) UpstreamStatuses() []registry.StatusSummary {
	return d.registry.Statuses()
}
