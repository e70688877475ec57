package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	smartToolSearch = "search_tools"
	smartToolCall   = "call_tool"
)

// smartTools returns exactly the two synthetic discovery tools. Their
// descriptions enumerate the upstream names in scope so an agent knows what
// universe the search covers.
func (d *Dispatcher) smartTools(scope Scope) []mcp.Tool {
	scopeDesc := d.smartScopeDescription(scope)

	searchTool := mcp.Tool{
		Name: smartToolSearch,
		Description: "Search for relevant tools across the connected MCP servers by natural-language query. " +
			scopeDesc + " Call this first to discover tool names, then execute them with call_tool.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language description of the capability you need",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of results to return (default 10)",
				},
			},
			Required: []string{"query"},
		},
	}

	callTool := mcp.Tool{
		Name: smartToolCall,
		Description: "Execute a tool previously discovered with search_tools. " +
			scopeDesc + " Pass the exact tool name from the search results.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"toolName": map[string]interface{}{
					"type":        "string",
					"description": "Exact name of the tool to execute",
				},
				"arguments": map[string]interface{}{
					"type":        "object",
					"description": "Arguments to pass to the tool",
				},
			},
			Required: []string{"toolName"},
		},
	}

	return []mcp.Tool{searchTool, callTool}
}

// smartScopeDescription phrases the upstream universe for the synthetic tool
// descriptions. An unknown narrowed group reads as "no servers".
func (d *Dispatcher) smartScopeDescription(scope Scope) string {
	names := d.smartUniverse(scope)
	if len(names) == 0 {
		return "No servers are currently available in this scope."
	}
	return fmt.Sprintf("Available servers: %s.", strings.Join(names, ", "))
}

// smartUniverse lists the names of the enabled upstreams the smart scope
// covers.
func (d *Dispatcher) smartUniverse(scope Scope) []string {
	var names []string
	for _, u := range d.visibleUpstreams(scope) {
		if u.Enabled() && u.Usable() {
			names = append(names, u.Name())
		}
	}
	return names
}

// searchThreshold adapts the relevance cutoff to the query shape: short or
// broad queries cast a wide net, long or very specific ones filter hard.
func searchThreshold(query string) float64 {
	words := len(strings.Fields(query))
	switch {
	case words <= 2 || len(query) < 10:
		return 0.2
	case words > 5 || len(query) >= 30:
		return 0.5
	default:
		return 0.3
	}
}

// searchMetadata is the metadata block of a search_tools response.
type searchMetadata struct {
	Query        string  `json:"query"`
	Threshold    float64 `json:"threshold"`
	TotalResults int     `json:"totalResults"`
	Guideline    string  `json:"guideline"`
	NextSteps    string  `json:"nextSteps"`
}

// searchResponse is the JSON payload returned by search_tools.
type searchResponse struct {
	Tools    []searchResultTool `json:"tools"`
	Metadata searchMetadata     `json:"metadata"`
}

type searchResultTool struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Server      string  `json:"server"`
	Score       float64 `json:"score"`
}

// searchTools delegates to the discovery collaborator, then re-resolves each
// hit against the live catalog so visibility filters and description
// overrides apply, discarding hits whose tool is currently disabled.
func (d *Dispatcher) searchTools(ctx context.Context, scope Scope, args map[string]interface{}) (*mcp.CallToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("search_tools requires a query argument")
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	threshold := searchThreshold(query)
	universe := d.smartUniverse(scope)

	var resolved []searchResultTool
	if d.searcher != nil && len(universe) > 0 {
		hits, err := d.searcher.Search(ctx, query, limit*2, universe)
		if err != nil {
			return nil, fmt.Errorf("tool search failed: %w", err)
		}

		sep := d.registry.Separator()
		for _, hit := range hits {
			if hit.Score < threshold {
				continue
			}
			u, ok := d.registry.Upstream(hit.Server)
			if !ok || !u.Enabled() || !u.Usable() {
				continue
			}
			exposed := hit.Server + sep + hit.Tool
			var entryDesc string
			found := false
			for _, entry := range u.Tools() {
				if entry.Tool.Name == exposed {
					entryDesc = entry.Tool.Description
					found = true
					break
				}
			}
			if !found {
				// Disabled or no longer published.
				continue
			}
			if member, constrained := d.groupMember(scope, hit.Server); constrained && !member.AllowsTool(hit.Tool) {
				continue
			}
			resolved = append(resolved, searchResultTool{
				Name:        exposed,
				Description: entryDesc,
				Server:      hit.Server,
				Score:       hit.Score,
			})
			if len(resolved) >= limit {
				break
			}
		}
	}

	guideline := "Results are ranked by relevance; higher scores match the query more closely."
	if len(resolved) == 0 {
		guideline = "No tools matched the query in this scope. Broaden the query or check the available servers."
	}

	payload := searchResponse{
		Tools: resolved,
		Metadata: searchMetadata{
			Query:        query,
			Threshold:    threshold,
			TotalResults: len(resolved),
			Guideline:    guideline,
			NextSteps:    "Invoke a result with call_tool({toolName, arguments}).",
		},
	}
	if payload.Tools == nil {
		payload.Tools = []searchResultTool{}
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search results: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(text)}},
	}, nil
}
