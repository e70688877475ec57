package config

import "fmt"

// Validate checks structural constraints the rest of the hub relies on.
// Malformed upstreams are configuration errors: the registry records them as
// disconnected and never retries, so we reject the document up front instead.
func Validate(s *Settings) error {
	for name, sc := range s.MCPServers {
		if err := ValidateUpstream(&sc); err != nil {
			return fmt.Errorf("mcpServers.%s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups: group with empty name")
		}
		if seen[g.Name] {
			return fmt.Errorf("groups: duplicate group %s", g.Name)
		}
		seen[g.Name] = true
	}

	if s.Routing.EnableBearerAuth && s.Routing.BearerAuthKey == "" {
		return fmt.Errorf("routing: bearer auth enabled without a key")
	}

	switch s.Cluster.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("cluster: unknown coordinator type %q", s.Cluster.Type)
	}
	if s.Cluster.Enabled && s.Cluster.Type == "redis" && s.Cluster.Redis.Addr == "" {
		return fmt.Errorf("cluster: redis coordinator requires an address")
	}

	return nil
}

// ValidateUpstream checks one upstream descriptor.
func ValidateUpstream(c *UpstreamConfig) error {
	if c.Name == "" {
		return fmt.Errorf("missing name")
	}
	switch c.Kind {
	case KindStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio upstream requires a command")
		}
	case KindSSE, KindStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s upstream requires a url", c.Kind)
		}
	case KindOpenAPI:
		if c.URL == "" && c.Schema == "" {
			return fmt.Errorf("openapi upstream requires a url or an inline schema")
		}
	default:
		return fmt.Errorf("unknown upstream kind %q", c.Kind)
	}
	switch c.ConnectionMode {
	case "", ConnectionModePersistent, ConnectionModeOnDemand:
	default:
		return fmt.Errorf("unknown connection mode %q", c.ConnectionMode)
	}
	return nil
}
