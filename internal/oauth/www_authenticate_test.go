package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected *WWWAuthenticateParams
	}{
		{
			name:     "empty header",
			header:   "",
			expected: nil,
		},
		{
			name:   "scheme only",
			header: "Bearer",
			expected: &WWWAuthenticateParams{
				Scheme: "Bearer",
			},
		},
		{
			name:   "bearer with realm",
			header: `Bearer realm="https://auth.example.com"`,
			expected: &WWWAuthenticateParams{
				Scheme: "Bearer",
				Realm:  "https://auth.example.com",
			},
		},
		{
			name:   "bearer with resource metadata",
			header: `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
			expected: &WWWAuthenticateParams{
				Scheme:              "Bearer",
				ResourceMetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:   "bearer with resource",
			header: `Bearer resource="https://mcp.example.com/.well-known/oauth-protected-resource"`,
			expected: &WWWAuthenticateParams{
				Scheme:   "Bearer",
				Resource: "https://mcp.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:   "multiple parameters",
			header: `Bearer realm="https://auth.example.com", scope="openid profile", error="invalid_token"`,
			expected: &WWWAuthenticateParams{
				Scheme: "Bearer",
				Realm:  "https://auth.example.com",
				Scope:  "openid profile",
				Error:  "invalid_token",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseWWWAuthenticate(tt.header)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsOAuthChallenge(t *testing.T) {
	assert.False(t, (*WWWAuthenticateParams)(nil).IsOAuthChallenge())
	assert.False(t, (&WWWAuthenticateParams{Scheme: "Basic", Realm: "x"}).IsOAuthChallenge())
	assert.False(t, (&WWWAuthenticateParams{Scheme: "Bearer"}).IsOAuthChallenge())
	assert.True(t, (&WWWAuthenticateParams{Scheme: "Bearer", Realm: "https://a"}).IsOAuthChallenge())
	assert.True(t, (&WWWAuthenticateParams{Scheme: "bearer", Resource: "https://r"}).IsOAuthChallenge())
}

func TestMetadataURL(t *testing.T) {
	p := &WWWAuthenticateParams{
		Resource:            "https://r",
		ResourceMetadataURL: "https://meta",
	}
	require.Equal(t, "https://meta", p.MetadataURL())

	p = &WWWAuthenticateParams{Resource: "https://r"}
	require.Equal(t, "https://r", p.MetadataURL())
}
