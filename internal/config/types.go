package config

import "time"

// UpstreamKind identifies the wire protocol used to reach an upstream MCP server.
type UpstreamKind string

const (
	// KindStdio runs the upstream as a local subprocess speaking MCP on stdin/stdout.
	KindStdio UpstreamKind = "stdio"
	// KindSSE connects over Server-Sent Events plus a message POST endpoint.
	KindSSE UpstreamKind = "sse"
	// KindStreamableHTTP connects over the streamable HTTP transport.
	KindStreamableHTTP UpstreamKind = "streamable-http"
	// KindOpenAPI translates an OpenAPI document into synthetic MCP tools.
	KindOpenAPI UpstreamKind = "openapi"
)

// ConnectionMode controls whether an upstream holds a persistent connection
// or connects just-in-time for each dispatched call.
type ConnectionMode string

const (
	ConnectionModePersistent ConnectionMode = "persistent"
	ConnectionModeOnDemand   ConnectionMode = "on-demand"
)

// ToolOverride is the per-tool (or per-prompt) visibility entry of an upstream.
type ToolOverride struct {
	Enabled     *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Allowed reports whether the override leaves the item visible.
// A missing entry or a nil Enabled means visible.
func (o ToolOverride) Allowed() bool {
	return o.Enabled == nil || *o.Enabled
}

// CallOptions are the per-request knobs an upstream config may carry.
type CallOptions struct {
	// Timeout bounds a single upstream request. Zero means the 60s default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// ResetTimeoutOnProgress restarts the timeout whenever the upstream
	// reports progress on a long-running call.
	ResetTimeoutOnProgress bool `yaml:"resetTimeoutOnProgress,omitempty" json:"resetTimeoutOnProgress,omitempty"`
	// MaxTotalTimeout caps the call regardless of progress resets.
	MaxTotalTimeout time.Duration `yaml:"maxTotalTimeout,omitempty" json:"maxTotalTimeout,omitempty"`
}

// OAuthConfig is the optional per-upstream OAuth block.
type OAuthConfig struct {
	ClientID     string   `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	// AuthorizationEndpoint and TokenEndpoint configure a statically known
	// issuer. When empty they are discovered from the 401 challenge.
	AuthorizationEndpoint string `yaml:"authorizationEndpoint,omitempty" json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `yaml:"tokenEndpoint,omitempty" json:"tokenEndpoint,omitempty"`
	// DynamicRegistration marks the upstream for RFC 7591 client registration.
	// Registration against the discovered issuer runs whenever no client id is
	// stored or configured, whether or not this is set; a configured client id
	// is used as is and no registration runs for it.
	DynamicRegistration bool `yaml:"dynamicRegistration,omitempty" json:"dynamicRegistration,omitempty"`
	// RedirectURIs are candidate callback URLs; the first one is used when no
	// public base URL is configured.
	RedirectURIs []string `yaml:"redirectUris,omitempty" json:"redirectUris,omitempty"`
}

// UpstreamConfig describes one configured upstream MCP server. It is treated
// as immutable per loaded version; mutations go through the settings store.
type UpstreamConfig struct {
	Name    string       `yaml:"name" json:"name"`
	Kind    UpstreamKind `yaml:"kind" json:"kind"`
	Enabled *bool        `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Owner   string       `yaml:"owner,omitempty" json:"owner,omitempty"`

	// Remote transports (sse, streamable-http, openapi).
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Stdio transport.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// OpenAPI transport: either URL above or an inline schema document.
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
	// PassthroughHeaders are downstream request headers forwarded verbatim on
	// OpenAPI calls.
	PassthroughHeaders []string `yaml:"passthroughHeaders,omitempty" json:"passthroughHeaders,omitempty"`

	KeepAliveInterval time.Duration  `yaml:"keepAliveInterval,omitempty" json:"keepAliveInterval,omitempty"`
	Options           CallOptions    `yaml:"options,omitempty" json:"options,omitempty"`
	ConnectionMode    ConnectionMode `yaml:"connectionMode,omitempty" json:"connectionMode,omitempty"`

	Tools   map[string]ToolOverride `yaml:"tools,omitempty" json:"tools,omitempty"`
	Prompts map[string]ToolOverride `yaml:"prompts,omitempty" json:"prompts,omitempty"`

	OAuth *OAuthConfig `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// IsEnabled reports whether the upstream should be connected. A missing
// enabled field means enabled.
func (c *UpstreamConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsOnDemand reports whether the upstream connects just-in-time per call.
func (c *UpstreamConfig) IsOnDemand() bool {
	return c.ConnectionMode == ConnectionModeOnDemand
}

// GroupMember is one membership entry of a Group. In YAML it is either a bare
// upstream name (all tools) or an object with an explicit tool whitelist.
type GroupMember struct {
	Name string `yaml:"name" json:"name"`
	// Tools is nil for "all", otherwise the whitelist of original tool names.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// AllowsTool reports whether the member exposes the given original tool name.
func (m GroupMember) AllowsTool(name string) bool {
	if m.Tools == nil {
		return true
	}
	for _, t := range m.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Group is a named routing/visibility scope over a subset of upstreams.
type Group struct {
	Name    string        `yaml:"name" json:"name"`
	Servers []GroupMember `yaml:"servers" json:"servers"`
}

// Member returns the membership entry for the named upstream, if any.
func (g *Group) Member(upstream string) (GroupMember, bool) {
	for _, m := range g.Servers {
		if m.Name == upstream {
			return m, true
		}
	}
	return GroupMember{}, false
}

// RoutingConfig gates the downstream transport endpoints.
type RoutingConfig struct {
	// EnableGlobalRoute allows sessions without a group segment in the path.
	EnableGlobalRoute *bool `yaml:"enableGlobalRoute,omitempty" json:"enableGlobalRoute,omitempty"`
	// EnableBearerAuth requires the bearer key on all MCP endpoints.
	EnableBearerAuth bool   `yaml:"enableBearerAuth,omitempty" json:"enableBearerAuth,omitempty"`
	BearerAuthKey    string `yaml:"bearerAuthKey,omitempty" json:"bearerAuthKey,omitempty"`
}

// GlobalRouteEnabled defaults to true when unset.
func (r RoutingConfig) GlobalRouteEnabled() bool {
	return r.EnableGlobalRoute == nil || *r.EnableGlobalRoute
}

// SmartRoutingConfig toggles the $smart discovery surface.
type SmartRoutingConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// ClusterConfig selects and parameterizes the cluster coordinator adapter.
type ClusterConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"` // memory | redis
	// BaseURL is this node's externally reachable URL used for proxying.
	BaseURL string `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	NodeID  string `yaml:"nodeId,omitempty" json:"nodeId,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval,omitempty" json:"heartbeatInterval,omitempty"`
	OfflineAfter      time.Duration `yaml:"offlineAfter,omitempty" json:"offlineAfter,omitempty"`
	SessionTTL        time.Duration `yaml:"sessionTtl,omitempty" json:"sessionTtl,omitempty"`
}

// RedisConfig holds connection settings for the redis coordinator adapter.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// UserConfig is the opaque user record carried in settings. The hub only uses
// the name for path-scope checks; authentication itself is external.
type UserConfig struct {
	Name string `yaml:"name" json:"name"`
	// Servers restricts which upstreams the user-scoped view contains.
	Servers []string `yaml:"servers,omitempty" json:"servers,omitempty"`
}

// Settings is the top-level configuration document for the hub.
type Settings struct {
	Host          string `yaml:"host,omitempty" json:"host,omitempty"`
	Port          int    `yaml:"port,omitempty" json:"port,omitempty"`
	BasePath      string `yaml:"basePath,omitempty" json:"basePath,omitempty"`
	PublicBaseURL string `yaml:"publicBaseUrl,omitempty" json:"publicBaseUrl,omitempty"`
	// NameSeparator joins upstream name and tool name in the unified
	// namespace. Changing it requires reconnecting all upstreams.
	NameSeparator string `yaml:"nameSeparator,omitempty" json:"nameSeparator,omitempty"`

	InitTimeout time.Duration `yaml:"initTimeout,omitempty" json:"initTimeout,omitempty"`

	Routing      RoutingConfig      `yaml:"routing,omitempty" json:"routing,omitempty"`
	SmartRouting SmartRoutingConfig `yaml:"smartRouting,omitempty" json:"smartRouting,omitempty"`
	Cluster      ClusterConfig      `yaml:"cluster,omitempty" json:"cluster,omitempty"`

	MCPServers map[string]UpstreamConfig `yaml:"mcpServers,omitempty" json:"mcpServers,omitempty"`
	Groups     []Group                   `yaml:"groups,omitempty" json:"groups,omitempty"`
	Users      []UserConfig              `yaml:"users,omitempty" json:"users,omitempty"`
}

// Group returns the named group, if configured.
func (s *Settings) Group(name string) (*Group, bool) {
	for i := range s.Groups {
		if s.Groups[i].Name == name {
			return &s.Groups[i], true
		}
	}
	return nil, false
}

// Separator returns the configured name separator or the default.
func (s *Settings) Separator() string {
	if s.NameSeparator == "" {
		return DefaultNameSeparator
	}
	return s.NameSeparator
}
