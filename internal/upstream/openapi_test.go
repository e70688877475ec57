package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/reqctx"
)

func openAPIDoc(serverURL string) string {
	return fmt.Sprintf(`{
  "openapi": "3.0.0",
  "info": {"title": "Weather", "version": "1.0.0"},
  "servers": [{"url": %q}],
  "paths": {
    "/cities/{city}/forecast": {
      "get": {
        "operationId": "getForecast",
        "summary": "Get the forecast for a city",
        "parameters": [
          {"name": "city", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "days", "in": "query", "schema": {"type": "integer"}}
        ]
      }
    },
    "/alerts": {
      "post": {
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "properties": {"region": {"type": "string"}},
                "required": ["region"]
              }
            }
          }
        }
      }
    }
  }
}`, serverURL)
}

func TestOpenAPIClientTranslatesOperations(t *testing.T) {
	c := NewOpenAPIClient("weather", "", openAPIDoc("https://api.example.com"), nil, nil)
	require.NoError(t, c.Initialize(t.Context()))

	tools, err := c.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	byName := make(map[string]mcp.Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	// operationId names the tool when present.
	forecast, ok := byName["getForecast"]
	require.True(t, ok)
	assert.Equal(t, "Get the forecast for a city", forecast.Description)
	assert.Contains(t, forecast.InputSchema.Properties, "city")
	assert.Contains(t, forecast.InputSchema.Properties, "days")
	assert.Contains(t, forecast.InputSchema.Required, "city")

	// Without an operationId the method and path name the tool.
	alerts, ok := byName["post_alerts"]
	require.True(t, ok)
	assert.Contains(t, alerts.InputSchema.Properties, "region")

	// Prompts are not part of the OpenAPI surface.
	prompts, err := c.ListPrompts(t.Context())
	require.NoError(t, err)
	assert.Empty(t, prompts)
	_, err = c.GetPrompt(t.Context(), "anything", nil)
	assert.Error(t, err)
}

func TestOpenAPIClientCallTool(t *testing.T) {
	var gotPath, gotQuery, gotTrace string
	var gotBody map[string]interface{}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotTrace = r.Header.Get("X-Trace-Id")
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp": 21}`))
	}))
	defer api.Close()

	c := NewOpenAPIClient("weather", "", openAPIDoc(api.URL), nil, []string{"X-Trace-Id"})
	require.NoError(t, c.Initialize(t.Context()))

	// Path and query parameters come out of the argument map; passthrough
	// headers ride the ambient request context.
	headers := http.Header{}
	headers.Set("X-Trace-Id", "trace-123")
	ctx := reqctx.WithHeaders(t.Context(), headers)

	result, err := c.CallTool(ctx, "getForecast", map[string]interface{}{
		"city": "berlin",
		"days": 3,
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "/cities/berlin/forecast", gotPath)
	assert.Equal(t, "days=3", gotQuery)
	assert.Equal(t, "trace-123", gotTrace)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"temp": 21}`, text.Text)

	// Remaining args form the JSON body on POST.
	_, err = c.CallTool(ctx, "post_alerts", map[string]interface{}{"region": "north"})
	require.NoError(t, err)
	assert.Equal(t, "/alerts", gotPath)
	assert.Equal(t, "north", gotBody["region"])
}

func TestOpenAPIClientErrors(t *testing.T) {
	c := NewOpenAPIClient("broken", "", "", nil, nil)
	assert.Error(t, c.Initialize(t.Context()))

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer api.Close()

	c = NewOpenAPIClient("weather", "", openAPIDoc(api.URL), nil, nil)
	require.NoError(t, c.Initialize(t.Context()))

	// Upstream HTTP errors surface as MCP error results, not Go errors.
	result, err := c.CallTool(t.Context(), "getForecast", map[string]interface{}{"city": "x"})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, err = c.CallTool(t.Context(), "unknown", nil)
	assert.ErrorContains(t, err, "tool not found")
}
