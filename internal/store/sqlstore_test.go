package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
)

func sqlRepoFixture(t *testing.T) *SQLRepository {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
mcpServers:
  time:
    command: uvx
`), 0o644))

	repo, err := NewSQLRepository(filepath.Join(dir, "hub.db"), configPath)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLRepositorySettingsRoundtrip(t *testing.T) {
	repo := sqlRepoFixture(t)

	// Before the first save, settings come from the legacy file.
	s, err := repo.LoadSettings()
	require.NoError(t, err)
	assert.Contains(t, s.MCPServers, "time")

	s.MCPServers["extra"] = config.UpstreamConfig{
		Name:    "extra",
		Kind:    config.KindStreamableHTTP,
		URL:     "https://extra.example.com/mcp",
		Enabled: nil,
	}
	require.NoError(t, repo.SaveSettings(s))

	loaded, err := repo.LoadSettings()
	require.NoError(t, err)
	assert.Contains(t, loaded.MCPServers, "extra")
	assert.Contains(t, loaded.MCPServers, "time")
}

func TestSQLRepositoryOAuthState(t *testing.T) {
	repo := sqlRepoFixture(t)

	st, err := repo.OAuthState("github")
	require.NoError(t, err)
	assert.Empty(t, st.ClientID)

	require.NoError(t, repo.UpdateOAuthState("github", func(st *OAuthState) error {
		st.ClientID = "cid"
		st.AccessToken = "at"
		return nil
	}))
	require.NoError(t, repo.UpdateOAuthState("github", func(st *OAuthState) error {
		assert.Equal(t, "cid", st.ClientID)
		st.AccessToken = "at2"
		return nil
	}))

	st, err = repo.OAuthState("github")
	require.NoError(t, err)
	assert.Equal(t, "cid", st.ClientID)
	assert.Equal(t, "at2", st.AccessToken)
}

func TestNewRepositoryDriverSelection(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("mcpServers: {}\n"), 0o644))

	t.Setenv(config.EnvStoreDriver, "")
	repo, err := NewRepository(configPath)
	require.NoError(t, err)
	_, isFile := repo.(*FileRepository)
	assert.True(t, isFile)
	repo.Close()

	t.Setenv(config.EnvStoreDriver, "bogus")
	_, err = NewRepository(configPath)
	assert.Error(t, err)
}
