package hub

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmartScopeParsing(t *testing.T) {
	s := Scope{Group: "$smart"}
	assert.True(t, s.IsSmart())
	assert.Equal(t, "", s.SmartGroup())
	assert.Equal(t, "", s.EffectiveGroup())

	s = Scope{Group: "$smart/ops"}
	assert.True(t, s.IsSmart())
	assert.Equal(t, "ops", s.SmartGroup())
	assert.Equal(t, "ops", s.EffectiveGroup())

	s = Scope{Group: "ops"}
	assert.False(t, s.IsSmart())
	assert.Equal(t, "ops", s.EffectiveGroup())
}

func TestSmartListToolsReturnsExactlyTwoTools(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	tools := d.ListTools(Scope{Group: "$smart"})
	require.Len(t, tools, 2)
	assert.Equal(t, smartToolSearch, tools[0].Name)
	assert.Equal(t, smartToolCall, tools[1].Name)

	// Descriptions enumerate the upstream names in scope.
	assert.Contains(t, tools[0].Description, "time")
	assert.Contains(t, tools[0].Description, "weather")

	// Prompts are not part of the smart surface.
	assert.Empty(t, d.ListPrompts(Scope{Group: "$smart"}))
}

func TestSmartNarrowedGroup(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	tools := d.ListTools(Scope{Group: "$smart/ops"})
	require.Len(t, tools, 2)
	assert.Contains(t, tools[0].Description, "time")
	assert.NotContains(t, tools[0].Description, "weather")
}

func TestSmartUnknownGroupReadsAsNoServers(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	tools := d.ListTools(Scope{Group: "$smart/nonexistent"})
	require.Len(t, tools, 2)
	assert.Contains(t, tools[0].Description, "No servers")
}

func TestSearchThreshold(t *testing.T) {
	tests := []struct {
		query    string
		expected float64
	}{
		{"time", 0.2},                    // short
		{"current time", 0.2},            // two words
		{"get the local time", 0.3},      // mid-size
		{"fetch the current weather forecast for berlin germany today", 0.5}, // long
		{"convert timezone value here now ok", 0.5},                          // > 5 words
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.expected, searchThreshold(tt.query))
		})
	}
}

func decodeSearchResult(t *testing.T, result *mcp.CallToolResult) searchResponse {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var payload searchResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func TestSearchToolsFindsTimeNow(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	result, err := d.CallTool(t.Context(), Scope{Group: "$smart"}, smartToolSearch, map[string]interface{}{
		"query": "current time",
		"limit": float64(3),
	})
	require.NoError(t, err)

	payload := decodeSearchResult(t, result)
	assert.Equal(t, "current time", payload.Metadata.Query)
	assert.Equal(t, 0.2, payload.Metadata.Threshold)
	assert.Equal(t, len(payload.Tools), payload.Metadata.TotalResults)
	assert.NotEmpty(t, payload.Metadata.Guideline)
	assert.NotEmpty(t, payload.Metadata.NextSteps)

	require.NotEmpty(t, payload.Tools)
	assert.Equal(t, "time-now", payload.Tools[0].Name)
	assert.Equal(t, "Get the current time", payload.Tools[0].Description)
	assert.Equal(t, "time", payload.Tools[0].Server)
}

func TestSearchToolsUnknownGroupIsEmptyWithGuideline(t *testing.T) {
	d, _ := dispatcherFixture(t, dispatcherDoc, defaultClients())

	result, err := d.CallTool(t.Context(), Scope{Group: "$smart/nonexistent"}, smartToolSearch, map[string]interface{}{
		"query": "current time",
	})
	require.NoError(t, err)

	payload := decodeSearchResult(t, result)
	assert.Empty(t, payload.Tools)
	assert.Equal(t, 0, payload.Metadata.TotalResults)
	assert.Contains(t, payload.Metadata.Guideline, "No tools matched")
}

func TestSearchToolsDropsDisabledTools(t *testing.T) {
	doc := `
mcpServers:
  time:
    command: uvx
    tools:
      now:
        enabled: false
`
	clients := map[string]*stubClient{
		"time": {tools: []mcp.Tool{{Name: "now", Description: "Get the current time"}}},
	}
	d, _ := dispatcherFixture(t, doc, clients)

	result, err := d.CallTool(t.Context(), Scope{Group: "$smart"}, smartToolSearch, map[string]interface{}{
		"query": "current time",
	})
	require.NoError(t, err)

	payload := decodeSearchResult(t, result)
	assert.Empty(t, payload.Tools)
}
