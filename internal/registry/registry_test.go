package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
	"mcphub/internal/store"
	"mcphub/internal/upstream"
)

// fakeClient is an in-memory upstream.Client.
type fakeClient struct {
	tools   []mcp.Tool
	prompts []mcp.Prompt

	initErr     error
	initCount   atomic.Int32
	closeCount  atomic.Int32
	callCount   atomic.Int32
	callErr     error
	callResults []*mcp.CallToolResult
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.initCount.Add(1)
	return f.initErr
}

func (f *fakeClient) Close() error {
	f.closeCount.Add(1)
	return nil
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return f.prompts, nil
}

func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	n := int(f.callCount.Add(1))
	if f.callErr != nil {
		return nil, f.callErr
	}
	if len(f.callResults) > 0 {
		idx := n - 1
		if idx >= len(f.callResults) {
			idx = len(f.callResults) - 1
		}
		return f.callResults[idx], nil
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) OnToolListChanged(fn func()) {}

func newTestRegistry(t *testing.T, doc string, clients map[string]*fakeClient) *Registry {
	t.Helper()

	settings, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(doc), 0o644))

	r := NewRegistry(config.NewStore(settings), store.NewFileRepository(configPath))
	r.SetClientFactory(func(cfg *config.UpstreamConfig, tokens upstream.TokenProvider, initTimeout time.Duration) (upstream.Client, error) {
		c, ok := clients[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", cfg.Name)
		}
		return c, nil
	})
	return r
}

const twoUpstreamDoc = `
mcpServers:
  time:
    command: uvx
    tools:
      zone:
        enabled: false
      now:
        description: Returns the current time
  weather:
    kind: streamable-http
    url: https://weather.example.com/mcp
    enabled: false
`

func TestRegisterAllPublishesPrefixedCatalog(t *testing.T) {
	clients := map[string]*fakeClient{
		"time": {
			tools: []mcp.Tool{
				{Name: "now", Description: "time now"},
				{Name: "zone", Description: "time zone"},
			},
			prompts: []mcp.Prompt{{Name: "tz-help"}},
		},
	}
	r := newTestRegistry(t, twoUpstreamDoc, clients)

	require.NoError(t, r.RegisterAll(t.Context(), ""))

	u, ok := r.Upstream("time")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, u.Status())

	// Tool names are exactly {"<name><sep><t>"} minus the enabled=false
	// filter, with the description override applied.
	tools := u.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "time-now", tools[0].Tool.Name)
	assert.Equal(t, "now", tools[0].Original)
	assert.Equal(t, "Returns the current time", tools[0].Tool.Description)

	prompts := u.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "time-tz-help", prompts[0].Prompt.Name)

	// Disabled upstreams are recorded but not connected.
	w, ok := r.Upstream("weather")
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, w.Status())
	assert.True(t, w.Healthy())
}

func TestRegisterAllIsIdempotent(t *testing.T) {
	clients := map[string]*fakeClient{
		"time": {tools: []mcp.Tool{{Name: "now"}}},
	}
	r := newTestRegistry(t, twoUpstreamDoc, clients)

	require.NoError(t, r.RegisterAll(t.Context(), ""))
	first := clients["time"].initCount.Load()

	// A second full pass leaves the connected upstream untouched.
	require.NoError(t, r.RegisterAll(t.Context(), ""))
	assert.Equal(t, first, clients["time"].initCount.Load())

	// Naming the upstream forces a refresh.
	require.NoError(t, r.RegisterAll(t.Context(), "time"))
	assert.Greater(t, clients["time"].initCount.Load(), first)
}

func TestConnectFailureRecordsError(t *testing.T) {
	clients := map[string]*fakeClient{
		"time": {initErr: fmt.Errorf("spawn failed: no such file")},
	}
	r := newTestRegistry(t, twoUpstreamDoc, clients)

	require.NoError(t, r.RegisterAll(t.Context(), ""))

	u, _ := r.Upstream("time")
	assert.Equal(t, StatusDisconnected, u.Status())
	assert.Contains(t, u.LastError(), "spawn failed")
	assert.False(t, r.Healthy())
}

const onDemandDoc = `
mcpServers:
  batch:
    command: uvx
    connectionMode: on-demand
`

func TestOnDemandUpstreamListsAndDisconnects(t *testing.T) {
	client := &fakeClient{tools: []mcp.Tool{{Name: "run"}}}
	r := newTestRegistry(t, onDemandDoc, map[string]*fakeClient{"batch": client})

	require.NoError(t, r.RegisterAll(t.Context(), ""))

	u, _ := r.Upstream("batch")
	assert.Equal(t, StatusDisconnected, u.Status())
	assert.True(t, u.Usable())
	assert.True(t, u.Healthy())
	require.Len(t, u.Tools(), 1)
	assert.Equal(t, "batch-run", u.Tools()[0].Tool.Name)

	// The registration connection was closed after listing.
	assert.Equal(t, int32(1), client.closeCount.Load())

	// AcquireClient connects just-in-time; release disconnects again.
	acquired, release, err := r.AcquireClient(t.Context(), "batch")
	require.NoError(t, err)
	require.NotNil(t, acquired)
	release()
	assert.Equal(t, int32(2), client.closeCount.Load())
}

const onDemandOpenAPIDoc = `
mcpServers:
  rest:
    kind: openapi
    url: https://api.example.com/openapi.json
    connectionMode: on-demand
`

func TestOpenAPIUpstreamIsAlwaysConnected(t *testing.T) {
	client := &fakeClient{tools: []mcp.Tool{{Name: "getThing"}}}
	r := newTestRegistry(t, onDemandOpenAPIDoc, map[string]*fakeClient{"rest": client})

	require.NoError(t, r.RegisterAll(t.Context(), ""))

	// connectionMode is ignored for openapi: the synthetic client stays up.
	u, _ := r.Upstream("rest")
	assert.Equal(t, StatusConnected, u.Status())
	assert.True(t, u.Healthy())
	require.Len(t, u.Tools(), 1)
	assert.Equal(t, "rest-getThing", u.Tools()[0].Tool.Name)
	assert.Equal(t, int32(0), client.closeCount.Load())

	acquired, release, err := r.AcquireClient(t.Context(), "rest")
	require.NoError(t, err)
	require.NotNil(t, acquired)
	release()
	assert.Equal(t, int32(0), client.closeCount.Load())
}

func TestRemoveClosesTransport(t *testing.T) {
	client := &fakeClient{tools: []mcp.Tool{{Name: "now"}}}
	r := newTestRegistry(t, twoUpstreamDoc, map[string]*fakeClient{"time": client})

	require.NoError(t, r.RegisterAll(t.Context(), ""))
	require.NoError(t, r.Remove("time"))

	assert.Equal(t, int32(1), client.closeCount.Load())
	_, ok := r.Upstream("time")
	assert.False(t, ok)

	assert.Error(t, r.Remove("time"))
}

func TestNotifyToolChangedFanout(t *testing.T) {
	r := newTestRegistry(t, twoUpstreamDoc, map[string]*fakeClient{
		"time": {tools: []mcp.Tool{{Name: "now"}}},
	})

	var calls atomic.Int32
	r.OnCatalogChanged(func() { calls.Add(1) })
	r.OnCatalogChanged(func() { calls.Add(1) })

	require.NoError(t, r.RegisterAll(t.Context(), ""))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSchemaSanitization(t *testing.T) {
	client := &fakeClient{
		tools: []mcp.Tool{{
			Name: "now",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"$schema": "https://json-schema.org/draft-07/schema",
					"when": map[string]interface{}{
						"$schema": "nested",
						"type":    "string",
					},
				},
			},
		}},
	}
	r := newTestRegistry(t, twoUpstreamDoc, map[string]*fakeClient{"time": client})
	require.NoError(t, r.RegisterAll(t.Context(), ""))

	u, _ := r.Upstream("time")
	props := u.Tools()[0].Tool.InputSchema.Properties
	assert.NotContains(t, props, "$schema")
	nested := props["when"].(map[string]interface{})
	assert.NotContains(t, nested, "$schema")
}
