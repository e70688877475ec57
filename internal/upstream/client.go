package upstream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/pkg/logging"
)

// Client is the capability set every upstream transport exposes.
// All transport kinds (stdio, sse, streamable-http, openapi) implement this
// interface, enabling polymorphic usage and easier testing with fakes.
type Client interface {
	// Initialize establishes the connection and performs protocol handshake
	Initialize(ctx context.Context) error
	// Close cleanly shuts down the client connection
	Close() error
	// ListTools returns all available tools from the server
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// ListPrompts returns all available prompts from the server
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt retrieves a specific prompt
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	// CallTool executes a specific tool and returns the result
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// Ping checks if the server is responsive
	Ping(ctx context.Context) error
	// OnToolListChanged registers a handler for tools/list_changed
	// notifications. Must be called before Initialize.
	OnToolListChanged(fn func())
}

// TokenProvider supplies bearer tokens for OAuth-capable transports.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Compile-time interface compliance checks
var (
	_ Client = (*StdioClient)(nil)
	_ Client = (*SSEClient)(nil)
	_ Client = (*StreamableHTTPClient)(nil)
)

// baseClient provides the MCP operations that are identical across the
// mcp-go-backed transport kinds.
type baseClient struct {
	client    client.MCPClient
	mu        sync.RWMutex
	connected bool

	toolListChanged func()
}

// checkConnected verifies the client is connected and returns an error if not.
// Caller must hold at least a read lock on mu.
func (b *baseClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return fmt.Errorf("client not connected")
	}
	return nil
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil

	return err
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	return result.Tools, nil
}

func (b *baseClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}

	return result.Prompts, nil
}

func (b *baseClient) getPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	// The prompt API takes string arguments
	stringArgs := make(map[string]string)
	for k, v := range args {
		if str, ok := v.(string); ok {
			stringArgs[k] = str
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}

	return result, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}

	return result, nil
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	return b.client.Ping(ctx)
}

func (b *baseClient) onToolListChanged(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toolListChanged = fn
}

// registerNotificationHandler wires the stored tools/list_changed callback
// into the underlying mcp-go client. Called after a successful Initialize
// while holding the write lock.
func (b *baseClient) registerNotificationHandler() {
	if b.toolListChanged == nil {
		return
	}
	fn := b.toolListChanged
	if concrete, ok := b.client.(*client.Client); ok {
		concrete.OnNotification(func(notification mcp.JSONRPCNotification) {
			if notification.Method == "notifications/tools/list_changed" {
				fn()
			}
		})
	}
}

// initializeRequest is the handshake every transport kind sends.
func initializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "mcphub",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}

// withInitTimeout derives the handshake context. A zero timeout keeps the
// caller's deadline if it has one and falls back to 30s otherwise.
func withInitTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

// StdioClient runs the upstream as a local subprocess and speaks MCP over
// its stdin/stdout.
type StdioClient struct {
	baseClient
	name        string
	command     string
	args        []string
	env         map[string]string
	initTimeout time.Duration
}

// NewStdioClient creates a new stdio-based MCP client. The env map is merged
// over the subprocess environment built by BuildSubprocessEnv.
func NewStdioClient(name, command string, args []string, env map[string]string, initTimeout time.Duration) *StdioClient {
	return &StdioClient{
		name:        name,
		command:     command,
		args:        args,
		env:         env,
		initTimeout: initTimeout,
	}
}

// Initialize starts the subprocess and performs the protocol handshake.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	envStrings := BuildSubprocessEnv(c.name, c.env)
	logging.Debug("StdioClient", "Creating stdio client for command: %s %v", c.command, c.args)

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	// Forward subprocess stderr into the hub log, prefixed with the name
	if stderr, ok := client.GetStderr(mcpClient); ok {
		go func() {
			_, _ = io.Copy(logging.PrefixWriter("Upstream", c.name), stderr)
		}()
	}

	initCtx, cancel := withInitTimeout(ctx, c.initTimeout)
	defer cancel()

	if _, err := mcpClient.Initialize(initCtx, initializeRequest()); err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.registerNotificationHandler()

	logging.Debug("StdioClient", "MCP protocol initialized for %s", c.name)
	return nil
}

func (c *StdioClient) Close() error { return c.closeClient() }

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *StdioClient) OnToolListChanged(fn func()) { c.onToolListChanged(fn) }

// SSEClient connects over Server-Sent Events plus a message POST endpoint.
type SSEClient struct {
	baseClient
	url         string
	headers     map[string]string
	tokens      TokenProvider
	initTimeout time.Duration
}

// NewSSEClient creates a new SSE-based MCP client. A non-nil TokenProvider
// attaches a bearer token to every outbound request.
func NewSSEClient(url string, headers map[string]string, tokens TokenProvider, initTimeout time.Duration) *SSEClient {
	return &SSEClient{
		url:         url,
		headers:     headers,
		tokens:      tokens,
		initTimeout: initTimeout,
	}
}

// Initialize establishes the event stream and performs the handshake.
func (c *SSEClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	headers, err := authHeaders(ctx, c.headers, c.tokens)
	if err != nil {
		return err
	}

	var opts []transport.ClientOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHeaders(headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SSE client: %w", err)
	}

	initCtx, cancel := withInitTimeout(ctx, c.initTimeout)
	defer cancel()

	if err := mcpClient.Start(initCtx); err != nil {
		return fmt.Errorf("failed to start SSE transport: %w", err)
	}

	if _, err := mcpClient.Initialize(initCtx, initializeRequest()); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.registerNotificationHandler()

	logging.Debug("SSEClient", "SSE client initialized for %s", c.url)
	return nil
}

func (c *SSEClient) Close() error { return c.closeClient() }

func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *SSEClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *SSEClient) OnToolListChanged(fn func()) { c.onToolListChanged(fn) }

// StreamableHTTPClient connects over the streamable HTTP transport.
type StreamableHTTPClient struct {
	baseClient
	url         string
	headers     map[string]string
	tokens      TokenProvider
	initTimeout time.Duration
}

// NewStreamableHTTPClient creates a new streamable-HTTP MCP client.
func NewStreamableHTTPClient(url string, headers map[string]string, tokens TokenProvider, initTimeout time.Duration) *StreamableHTTPClient {
	return &StreamableHTTPClient{
		url:         url,
		headers:     headers,
		tokens:      tokens,
		initTimeout: initTimeout,
	}
}

// Initialize establishes the connection and performs the handshake.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	headers, err := authHeaders(ctx, c.headers, c.tokens)
	if err != nil {
		return err
	}

	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create StreamableHTTP client: %w", err)
	}

	initCtx, cancel := withInitTimeout(ctx, c.initTimeout)
	defer cancel()

	if _, err := mcpClient.Initialize(initCtx, initializeRequest()); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.registerNotificationHandler()

	logging.Debug("StreamableHTTPClient", "StreamableHTTP client initialized for %s", c.url)
	return nil
}

func (c *StreamableHTTPClient) Close() error { return c.closeClient() }

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StreamableHTTPClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *StreamableHTTPClient) OnToolListChanged(fn func()) { c.onToolListChanged(fn) }

// authHeaders merges the configured headers with a bearer token from the
// provider, if any.
func authHeaders(ctx context.Context, configured map[string]string, tokens TokenProvider) (map[string]string, error) {
	headers := make(map[string]string, len(configured)+1)
	for k, v := range configured {
		headers[k] = v
	}
	if tokens != nil {
		token, err := tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	}
	return headers, nil
}
