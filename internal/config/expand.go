package config

import "os"

// ExpandString substitutes ${VAR} and $VAR references in s from the process
// environment. Unknown variables expand to the empty string. The operation is
// idempotent on strings containing no '$'.
func ExpandString(s string) string {
	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	})
}

// ExpandValue walks an arbitrarily nested structure of maps, slices, and
// scalars, expanding every string it finds. Non-string scalars pass through
// unchanged. The input is not mutated.
func ExpandValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return ExpandString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = ExpandValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = ExpandString(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = ExpandValue(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = ExpandString(val)
		}
		return out
	default:
		return v
	}
}

// ExpandUpstream returns a copy of the config with its owner, connection,
// header, environment, passthrough, and OAuth string fields expanded. The
// name, kind, connection mode, and tool/prompt overrides are used as written.
// Expansion happens at load time so runtime consumers see literal values only.
func ExpandUpstream(c UpstreamConfig) UpstreamConfig {
	c.Owner = ExpandString(c.Owner)
	c.URL = ExpandString(c.URL)
	c.Command = ExpandString(c.Command)
	c.Schema = ExpandString(c.Schema)
	c.Args = ExpandValue(c.Args).([]string)
	if c.PassthroughHeaders != nil {
		c.PassthroughHeaders = ExpandValue(c.PassthroughHeaders).([]string)
	}
	if c.Env != nil {
		c.Env = ExpandValue(c.Env).(map[string]string)
	}
	if c.Headers != nil {
		c.Headers = ExpandValue(c.Headers).(map[string]string)
	}
	if c.OAuth != nil {
		oauth := *c.OAuth
		oauth.ClientID = ExpandString(oauth.ClientID)
		oauth.ClientSecret = ExpandString(oauth.ClientSecret)
		oauth.AuthorizationEndpoint = ExpandString(oauth.AuthorizationEndpoint)
		oauth.TokenEndpoint = ExpandString(oauth.TokenEndpoint)
		if oauth.Scopes != nil {
			oauth.Scopes = ExpandValue(oauth.Scopes).([]string)
		}
		if oauth.RedirectURIs != nil {
			oauth.RedirectURIs = ExpandValue(oauth.RedirectURIs).([]string)
		}
		c.OAuth = &oauth
	}
	return c
}
