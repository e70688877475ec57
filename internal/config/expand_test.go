package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	t.Setenv("HUB_TEST_TOKEN", "secret")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "braced variable",
			input:    "Bearer ${HUB_TEST_TOKEN}",
			expected: "Bearer secret",
		},
		{
			name:     "bare variable",
			input:    "Bearer $HUB_TEST_TOKEN",
			expected: "Bearer secret",
		},
		{
			name:     "unknown variable expands to empty",
			input:    "key=${HUB_TEST_MISSING}",
			expected: "key=",
		},
		{
			name:     "no variables",
			input:    "plain value",
			expected: "plain value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandString(tt.input))
		})
	}
}

func TestExpandValueNested(t *testing.T) {
	t.Setenv("HUB_TEST_HOST", "api.example.com")

	input := map[string]interface{}{
		"url": "https://${HUB_TEST_HOST}/v1",
		"nested": map[string]interface{}{
			"list": []interface{}{"$HUB_TEST_HOST", 42, true},
		},
	}

	result := ExpandValue(input).(map[string]interface{})
	assert.Equal(t, "https://api.example.com/v1", result["url"])

	nested := result["nested"].(map[string]interface{})
	list := nested["list"].([]interface{})
	assert.Equal(t, "api.example.com", list[0])
	assert.Equal(t, 42, list[1])
	assert.Equal(t, true, list[2])
}

func TestExpandValueIdempotentWithoutDollar(t *testing.T) {
	input := map[string]interface{}{
		"a": "no variables here",
		"b": map[string]interface{}{"c": "still none"},
	}

	once := ExpandValue(input)
	twice := ExpandValue(once)
	assert.Equal(t, once, twice)
	// The original input is not mutated either.
	assert.Equal(t, "no variables here", input["a"])
}

func TestExpandUpstream(t *testing.T) {
	t.Setenv("HUB_TEST_URL", "https://mcp.example.com")
	t.Setenv("HUB_TEST_KEY", "k123")

	cfg := UpstreamConfig{
		Name: "remote",
		Kind: KindSSE,
		URL:  "${HUB_TEST_URL}/sse",
		Headers: map[string]string{
			"Authorization": "Bearer $HUB_TEST_KEY",
		},
		Env: map[string]string{"TOKEN": "${HUB_TEST_KEY}"},
	}

	expanded := ExpandUpstream(cfg)
	require.Equal(t, "https://mcp.example.com/sse", expanded.URL)
	assert.Equal(t, "Bearer k123", expanded.Headers["Authorization"])
	assert.Equal(t, "k123", expanded.Env["TOKEN"])
	// Source config is untouched.
	assert.Equal(t, "${HUB_TEST_URL}/sse", cfg.URL)
}
