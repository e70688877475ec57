package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFixture(t *testing.T) *Store {
	t.Helper()
	s, err := Parse([]byte(`
routing:
  enableBearerAuth: true
  bearerAuthKey: hub-key
mcpServers:
  time:
    command: uvx
  weather:
    kind: streamable-http
    url: https://weather.example.com/mcp
users:
  - name: alice
    servers: ["time"]
  - name: bob
`))
	require.NoError(t, err)
	return NewStore(s)
}

func TestStoreRawKeepsSecurityPolicy(t *testing.T) {
	st := storeFixture(t)

	// The raw view always carries the bearer policy, regardless of user.
	raw := st.Raw()
	assert.True(t, raw.Routing.EnableBearerAuth)
	assert.Equal(t, "hub-key", raw.Routing.BearerAuthKey)
	assert.Len(t, raw.MCPServers, 2)
}

func TestStoreForUserFiltersServers(t *testing.T) {
	st := storeFixture(t)

	alice := st.ForUser("alice")
	assert.Len(t, alice.MCPServers, 1)
	_, hasTime := alice.MCPServers["time"]
	assert.True(t, hasTime)

	// A user without an allow-list sees everything.
	bob := st.ForUser("bob")
	assert.Len(t, bob.MCPServers, 2)

	// Unknown users fall back to the full view; path validation rejects
	// them before visibility matters.
	unknown := st.ForUser("mallory")
	assert.Len(t, unknown.MCPServers, 2)
}

func TestStoreSwap(t *testing.T) {
	st := storeFixture(t)

	next, err := Parse([]byte(`
mcpServers:
  only:
    command: npx
`))
	require.NoError(t, err)

	prev := st.Swap(next)
	assert.Len(t, prev.MCPServers, 2)
	assert.Len(t, st.Raw().MCPServers, 1)
}

func TestStoreHasUser(t *testing.T) {
	st := storeFixture(t)
	assert.True(t, st.HasUser("alice"))
	assert.False(t, st.HasUser("mallory"))
}
