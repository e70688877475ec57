package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
	"mcphub/internal/registry"
	"mcphub/internal/search"
	"mcphub/internal/store"
	"mcphub/internal/upstream"
)

// recordedCall is one upstream invocation observed by a stub client.
type recordedCall struct {
	Tool string
	Args map[string]interface{}
}

// stubClient is an in-memory upstream.Client for dispatcher tests.
type stubClient struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	prompts []mcp.Prompt
	calls   []recordedCall
	callErr []error // consumed per call; nil entry means success

	promptCalls []recordedCall
}

func (s *stubClient) Initialize(ctx context.Context) error { return nil }
func (s *stubClient) Close() error                         { return nil }

func (s *stubClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return s.tools, nil
}

func (s *stubClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return s.prompts, nil
}

func (s *stubClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptCalls = append(s.promptCalls, recordedCall{Tool: name, Args: args})
	return &mcp.GetPromptResult{Description: name}, nil
}

func (s *stubClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{Tool: name, Args: args})
	if len(s.callErr) > 0 {
		err := s.callErr[0]
		s.callErr = s.callErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok:" + name}},
	}, nil
}

func (s *stubClient) Ping(ctx context.Context) error { return nil }
func (s *stubClient) OnToolListChanged(fn func())    {}

func (s *stubClient) recordedCalls() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

const dispatcherDoc = `
mcpServers:
  time:
    command: uvx
  weather:
    kind: sse
    url: https://weather.example.com/sse
groups:
  - name: ops
    servers:
      - name: time
        tools: ["now"]
`

func dispatcherFixture(t *testing.T, doc string, clients map[string]*stubClient) (*Dispatcher, *registry.Registry) {
	t.Helper()

	settings, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	settingsStore := config.NewStore(settings)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(doc), 0o644))

	reg := registry.NewRegistry(settingsStore, store.NewFileRepository(configPath))
	reg.SetClientFactory(func(cfg *config.UpstreamConfig, tokens upstream.TokenProvider, initTimeout time.Duration) (upstream.Client, error) {
		c, ok := clients[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no stub for %s", cfg.Name)
		}
		return c, nil
	})
	require.NoError(t, reg.RegisterAll(t.Context(), ""))

	searcher := search.NewKeywordSearcher()
	var docs []search.Document
	for _, u := range reg.Snapshot() {
		for _, entry := range u.Tools() {
			docs = append(docs, search.Document{
				Server:      u.Name(),
				Tool:        entry.Original,
				Description: entry.Tool.Description,
			})
		}
	}
	searcher.Index(docs)

	return NewDispatcher(reg, settingsStore, searcher), reg
}

func defaultClients() map[string]*stubClient {
	return map[string]*stubClient{
		"time": {tools: []mcp.Tool{
			{Name: "now", Description: "Get the current time"},
			{Name: "zone", Description: "Get the configured time zone"},
		}},
		"weather": {tools: []mcp.Tool{
			{Name: "forecast", Description: "Get the weather forecast"},
		}},
	}
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

func TestListToolsGlobalScope(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	names := toolNames(d.ListTools(Scope{}))
	assert.ElementsMatch(t, []string{"time-now", "time-zone", "weather-forecast"}, names)
}

func TestListToolsGroupIsSubsetOfGlobal(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	global := toolNames(d.ListTools(Scope{}))
	group := toolNames(d.ListTools(Scope{Group: "ops"}))

	// The group projects only the whitelisted tool.
	assert.Equal(t, []string{"time-now"}, group)

	// And every group-scoped tool is in the global view.
	for _, name := range group {
		assert.Contains(t, global, name)
	}
}

func TestListToolsSingleUpstreamFallback(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	// "weather" is not a group, but an upstream of that name exists.
	names := toolNames(d.ListTools(Scope{Group: "weather"}))
	assert.Equal(t, []string{"weather-forecast"}, names)

	// A name that is neither group nor upstream yields nothing.
	assert.Empty(t, d.ListTools(Scope{Group: "nope"}))
}

func TestCallToolDirect(t *testing.T) {
	clients := defaultClients()
	d, _ := dispatcherFixture(t, dispatcherDoc, clients)

	result, err := d.CallTool(t.Context(), Scope{}, "time-now", map[string]interface{}{"tz": "UTC"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	calls := clients["time"].recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "now", calls[0].Tool)
	assert.Equal(t, "UTC", calls[0].Args["tz"])
}

func TestCallToolUnknownName(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	_, err := d.CallTool(t.Context(), Scope{}, "time-missing", nil)
	assert.ErrorContains(t, err, "tool not found")

	// Group whitelists apply to calls, not just listings.
	_, err = d.CallTool(t.Context(), Scope{Group: "ops"}, "time-zone", nil)
	assert.ErrorContains(t, err, "tool not found")
}

func TestDirectAndSmartCallsAreEquivalent(t *testing.T) {
	clients := defaultClients()
	d, _ := dispatcherFixture(t, dispatcherDoc, clients)

	args := map[string]interface{}{"tz": "UTC"}
	_, err := d.CallTool(t.Context(), Scope{}, "time-now", args)
	require.NoError(t, err)

	_, err = d.CallTool(t.Context(), Scope{Group: SmartGroupPrefix}, smartToolCall, map[string]interface{}{
		"toolName":  "time-now",
		"arguments": map[string]interface{}{"tz": "UTC"},
	})
	require.NoError(t, err)

	calls := clients["time"].recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
}

func TestRetryOnceOnPostFailure(t *testing.T) {
	transient := errors.New("failed to call tool: Error POSTing to endpoint (HTTP 401 Unauthorized)")
	clients := defaultClients()
	clients["weather"].callErr = []error{transient, transient, transient}

	d, _ := dispatcherFixture(t, dispatcherDoc, clients)

	_, err := d.CallTool(t.Context(), Scope{}, "weather-forecast", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error POSTing to endpoint")

	// Exactly one retry: the original call plus one after the reconnect.
	assert.Len(t, clients["weather"].recordedCalls(), 2)
}

func TestNoRetryForOtherErrors(t *testing.T) {
	clients := defaultClients()
	clients["weather"].callErr = []error{errors.New("remote exploded")}

	d, _ := dispatcherFixture(t, dispatcherDoc, clients)

	_, err := d.CallTool(t.Context(), Scope{}, "weather-forecast", nil)
	require.ErrorContains(t, err, "remote exploded")
	assert.Len(t, clients["weather"].recordedCalls(), 1)
}

func TestNoRetryForStdioUpstreams(t *testing.T) {
	transient := errors.New("failed to call tool: Error POSTing to endpoint (HTTP 404)")
	clients := defaultClients()
	clients["time"].callErr = []error{transient}

	d, _ := dispatcherFixture(t, dispatcherDoc, clients)

	_, err := d.CallTool(t.Context(), Scope{}, "time-now", nil)
	require.Error(t, err)
	assert.Len(t, clients["time"].recordedCalls(), 1)
}

func TestGetPromptStripsPrefix(t *testing.T) {
	clients := defaultClients()
	clients["time"].prompts = []mcp.Prompt{{Name: "tz-help"}}
	d, _ := dispatcherFixture(t, dispatcherDoc, clients)

	result, err := d.GetPrompt(t.Context(), Scope{}, "time-tz-help", map[string]interface{}{"style": "long"})
	require.NoError(t, err)
	assert.Equal(t, "tz-help", result.Description)

	calls := clients["time"].promptCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "tz-help", calls[0].Tool)

	// Unknown prompts error after filtering.
	_, err = d.GetPrompt(t.Context(), Scope{}, "time-missing", nil)
	assert.ErrorContains(t, err, "prompt not found")
}

func TestUserScopeRestrictsVisibility(t *testing.T) {
	doc := dispatcherDoc + `
users:
  - name: alice
    servers: ["time"]
`
	d, _ := dispatcherFixture(t, doc, defaultClients())

	names := toolNames(d.ListTools(Scope{User: "alice"}))
	assert.ElementsMatch(t, []string{"time-now", "time-zone"}, names)

	_, err := d.CallTool(t.Context(), Scope{User: "alice"}, "weather-forecast", nil)
	assert.ErrorContains(t, err, "tool not found")
}
