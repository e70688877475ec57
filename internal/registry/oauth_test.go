package registry

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
	"mcphub/internal/oauth"
	"mcphub/internal/upstream"
)

// TestAuthorizationRequiredFlow drives an upstream through the full OAuth
// interruption: a 401 on connect parks it in oauth_required with an
// authorization hint, an out-of-band token save clears the hint, and the
// next targeted RegisterAll brings it to connected.
func TestAuthorizationRequiredFlow(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ignored"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer remote.Close()

	doc := fmt.Sprintf(`
mcpServers:
  x:
    kind: streamable-http
    url: %s
    oauth:
      clientId: static-client
      authorizationEndpoint: https://auth.example.com/authorize
      tokenEndpoint: https://auth.example.com/token
`, remote.URL)

	authorized := false
	client := &fakeClient{}
	r := newTestRegistry(t, doc, map[string]*fakeClient{"x": client})

	// The fake fails with a 401-shaped error until tokens arrive.
	r.SetClientFactory(func(cfg *config.UpstreamConfig, tokens upstream.TokenProvider, initTimeout time.Duration) (upstream.Client, error) {
		if !authorized {
			return &fakeClient{initErr: fmt.Errorf("request failed with status 401 Unauthorized")}, nil
		}
		client.tools = []mcp.Tool{{Name: "go"}}
		return client, nil
	})

	require.NoError(t, r.RegisterAll(t.Context(), ""))

	u, ok := r.Upstream("x")
	require.True(t, ok)
	assert.Equal(t, StatusOAuthRequired, u.Status())
	assert.False(t, r.Healthy())

	// The authorization hint carries the URL, state, and PKCE verifier.
	authURL, state, verifier := u.AuthorizationHint()
	assert.Contains(t, authURL, "https://auth.example.com/authorize")
	assert.Contains(t, authURL, "client_id=static-client")
	assert.NotEmpty(t, state)
	assert.NotEmpty(t, verifier)

	// Tokens arrive out of band through the provider.
	provider := r.Provider("x")
	require.NoError(t, provider.SaveTokens(oauth.Tokens{AccessToken: "at", RefreshToken: "rt"}))
	authorized = true

	// The hint is gone after saveTokens.
	authURL, _, _ = u.AuthorizationHint()
	assert.Empty(t, authURL)

	require.NoError(t, r.RegisterAll(t.Context(), "x"))
	assert.Equal(t, StatusConnected, u.Status())
	assert.True(t, r.Healthy())
	require.Len(t, u.Tools(), 1)
	assert.Equal(t, "x-go", u.Tools()[0].Tool.Name)
}
