package oauth

import "strings"

// ParseWWWAuthenticate extracts the parameters of a WWW-Authenticate header
// the hub cares about: the scheme, the issuer realm, an explicit scope, the
// RFC 6750 error fields, and the RFC 9728 resource/resource_metadata
// pointers. Returns nil for an empty header.
func ParseWWWAuthenticate(header string) *WWWAuthenticateParams {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	scheme, rest, _ := strings.Cut(header, " ")
	params := &WWWAuthenticateParams{Scheme: scheme}

	for _, part := range splitAuthParams(rest) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			params.Realm = value
		case "scope":
			params.Scope = value
		case "error":
			params.Error = value
		case "error_description":
			params.ErrorDescription = value
		case "resource":
			params.Resource = value
		case "resource_metadata":
			params.ResourceMetadataURL = value
		}
	}

	return params
}

// splitAuthParams splits the auth-param list on commas that sit outside
// quoted strings, so quoted values may contain commas.
func splitAuthParams(s string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			if p := strings.TrimSpace(sb.String()); p != "" {
				parts = append(parts, p)
			}
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if p := strings.TrimSpace(sb.String()); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// IsOAuthChallenge reports whether the parameters describe a Bearer
// challenge the provider can act on: something must point at the issuer,
// either a realm or a protected-resource reference.
func (p *WWWAuthenticateParams) IsOAuthChallenge() bool {
	if p == nil || !strings.EqualFold(p.Scheme, "Bearer") {
		return false
	}
	return p.Realm != "" || p.Resource != "" || p.ResourceMetadataURL != ""
}

// MetadataURL returns the protected-resource metadata URL advertised by the
// challenge, preferring the explicit resource_metadata parameter.
func (p *WWWAuthenticateParams) MetadataURL() string {
	if p == nil {
		return ""
	}
	if p.ResourceMetadataURL != "" {
		return p.ResourceMetadataURL
	}
	return p.Resource
}
