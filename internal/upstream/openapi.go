package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/reqctx"
	"mcphub/pkg/logging"
)

// OpenAPIClient translates an OpenAPI document into synthetic MCP tools.
// ListTools exposes one tool per operation; CallTool issues the matching
// HTTP request. Prompts are not part of the OpenAPI surface.
type OpenAPIClient struct {
	name      string
	docURL    string
	rawSchema string
	baseURL   string
	headers   map[string]string
	// passthrough headers copied from the downstream request context
	passthrough []string

	httpClient *http.Client

	mu    sync.RWMutex
	ops   map[string]openAPIOperation
	tools []mcp.Tool
}

type openAPIOperation struct {
	method string
	path   string
	op     *openapi3.Operation
}

// NewOpenAPIClient builds a synthetic client from either a document URL or an
// inline schema.
func NewOpenAPIClient(name, docURL, rawSchema string, headers map[string]string, passthrough []string) *OpenAPIClient {
	return &OpenAPIClient{
		name:        name,
		docURL:      docURL,
		rawSchema:   rawSchema,
		headers:     headers,
		passthrough: passthrough,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Initialize loads and indexes the OpenAPI document.
func (c *OpenAPIClient) Initialize(ctx context.Context) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true
	loader.Context = ctx

	var doc *openapi3.T
	var err error
	switch {
	case c.rawSchema != "":
		doc, err = loader.LoadFromData([]byte(c.rawSchema))
	case c.docURL != "":
		var u *url.URL
		u, err = url.Parse(c.docURL)
		if err == nil {
			doc, err = loader.LoadFromURI(u)
		}
	default:
		return fmt.Errorf("openapi upstream %s has neither url nor schema", c.name)
	}
	if err != nil {
		return fmt.Errorf("failed to load OpenAPI document for %s: %w", c.name, err)
	}

	if err := doc.Validate(loader.Context); err != nil {
		logging.Warn("OpenAPI", "Document for %s failed validation: %v", c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseURL = c.serverBase(doc)
	c.ops = make(map[string]openAPIOperation)
	c.tools = c.tools[:0]

	if doc.Paths != nil {
		for path, item := range doc.Paths.Map() {
			for method, op := range item.Operations() {
				tool := c.toolForOperation(method, path, op)
				c.ops[tool.Name] = openAPIOperation{method: method, path: path, op: op}
				c.tools = append(c.tools, tool)
			}
		}
	}

	logging.Info("OpenAPI", "Indexed %d operations for %s", len(c.tools), c.name)
	return nil
}

// Close drops the indexed document.
func (c *OpenAPIClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = nil
	c.tools = nil
	return nil
}

// ListTools returns the synthetic tool per indexed operation.
func (c *OpenAPIClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ops == nil {
		return nil, fmt.Errorf("client not connected")
	}
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out, nil
}

// ListPrompts always returns an empty catalog; OpenAPI has no prompt notion.
func (c *OpenAPIClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return nil, nil
}

// GetPrompt is unsupported for OpenAPI upstreams.
func (c *OpenAPIClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, fmt.Errorf("openapi upstream %s has no prompts", c.name)
}

// CallTool issues the HTTP operation behind the synthetic tool. Path and
// query parameters come from args; remaining args form the JSON body for
// methods that accept one. Configured passthrough headers are copied from
// the downstream request context.
func (c *OpenAPIClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	op, ok := c.ops[name]
	baseURL := c.baseURL
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	reqURL, bodyArgs, headerParams, err := c.buildURL(baseURL, op, args)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(bodyArgs) > 0 && methodHasBody(op.method) {
		payload, err := json.Marshal(bodyArgs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, op.method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headerParams {
		req.Header.Set(k, v)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	// Downstream passthrough: the dispatch context carries the original
	// client headers.
	if downstream := reqctx.HeadersFrom(ctx); downstream != nil {
		for _, h := range c.passthrough {
			if v := downstream.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(respBody)}},
	}
	if resp.StatusCode >= 400 {
		result.IsError = true
	}
	return result, nil
}

// Ping verifies the base URL answers at all.
func (c *OpenAPIClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()
	if baseURL == "" {
		return fmt.Errorf("client not connected")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// OnToolListChanged is a no-op: the document is static per initialization.
func (c *OpenAPIClient) OnToolListChanged(fn func()) {}

// toolForOperation names a tool after its operationId, falling back to
// <method>_<path> with slashes and braces flattened.
func (c *OpenAPIClient) toolForOperation(method, path string, op *openapi3.Operation) mcp.Tool {
	name := op.OperationID
	if name == "" {
		flat := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(strings.Trim(path, "/"))
		name = strings.ToLower(method) + "_" + flat
	}

	desc := op.Summary
	if desc == "" {
		desc = op.Description
	}
	if desc == "" {
		desc = fmt.Sprintf("%s %s", method, path)
	}

	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: make(map[string]interface{}),
	}
	for _, ref := range op.Parameters {
		if ref.Value == nil {
			continue
		}
		p := ref.Value
		prop := map[string]interface{}{"type": "string"}
		if p.Schema != nil && p.Schema.Value != nil && p.Schema.Value.Type != nil && len(*p.Schema.Value.Type) > 0 {
			prop["type"] = (*p.Schema.Value.Type)[0]
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if media, ok := op.RequestBody.Value.Content["application/json"]; ok && media.Schema != nil && media.Schema.Value != nil {
			for propName, propRef := range media.Schema.Value.Properties {
				prop := map[string]interface{}{"type": "string"}
				if propRef.Value != nil && propRef.Value.Type != nil && len(*propRef.Value.Type) > 0 {
					prop["type"] = (*propRef.Value.Type)[0]
				}
				schema.Properties[propName] = prop
			}
			for _, req := range media.Schema.Value.Required {
				schema.Required = append(schema.Required, req)
			}
		}
	}

	return mcp.Tool{Name: name, Description: desc, InputSchema: schema}
}

// serverBase picks the request base URL: the first server entry, else the
// document URL's origin.
func (c *OpenAPIClient) serverBase(doc *openapi3.T) string {
	if len(doc.Servers) > 0 && doc.Servers[0].URL != "" {
		return strings.TrimSuffix(doc.Servers[0].URL, "/")
	}
	if c.docURL != "" {
		if u, err := url.Parse(c.docURL); err == nil {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

// buildURL substitutes path parameters and moves query and header parameters
// out of the argument map, returning the remaining args for the body.
func (c *OpenAPIClient) buildURL(baseURL string, op openAPIOperation, args map[string]interface{}) (string, map[string]interface{}, map[string]string, error) {
	if baseURL == "" {
		return "", nil, nil, fmt.Errorf("openapi upstream %s has no server URL", c.name)
	}

	remaining := make(map[string]interface{}, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	path := op.path
	query := url.Values{}
	headerParams := make(map[string]string)
	for _, ref := range op.op.Parameters {
		if ref.Value == nil {
			continue
		}
		p := ref.Value
		v, ok := remaining[p.Name]
		if !ok {
			continue
		}
		switch p.In {
		case openapi3.ParameterInPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", fmt.Sprintf("%v", v))
			delete(remaining, p.Name)
		case openapi3.ParameterInQuery:
			query.Set(p.Name, fmt.Sprintf("%v", v))
			delete(remaining, p.Name)
		case openapi3.ParameterInHeader:
			headerParams[p.Name] = fmt.Sprintf("%v", v)
			delete(remaining, p.Name)
		}
	}

	full := baseURL + path
	if encoded := query.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full, remaining, headerParams, nil
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
