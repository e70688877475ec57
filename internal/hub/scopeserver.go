package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"mcphub/pkg/logging"
)

// downstreamKeepAlive is the ping period on downstream SSE sessions.
const downstreamKeepAlive = 30 * time.Second

// scopeServer is the per-routing-scope MCP server instance: one mcp-go
// server whose registered tools and prompts are exactly the scope's visible
// catalog, plus its SSE and streamable-HTTP transports.
type scopeServer struct {
	scope      Scope
	dispatcher *Dispatcher

	mcp        *mcpserver.MCPServer
	sse        *mcpserver.SSEServer
	streamable *mcpserver.StreamableHTTPServer

	mu            sync.Mutex
	activeTools   map[string]bool
	activePrompts map[string]bool
}

// newScopeServer builds the MCP server for one scope and registers its
// session lifecycle hooks against the session table.
func newScopeServer(scope Scope, dispatcher *Dispatcher, sessions *SessionTable, baseURL, ssePath, messagePath string) *scopeServer {
	s := &scopeServer{
		scope:         scope,
		dispatcher:    dispatcher,
		activeTools:   make(map[string]bool),
		activePrompts: make(map[string]bool),
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		sessions.Add(ctx, session.SessionID(), scope)
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		sessions.Remove(ctx, session.SessionID())
	})

	s.mcp = mcpserver.NewMCPServer(
		"mcphub",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
	)

	s.sse = mcpserver.NewSSEServer(
		s.mcp,
		mcpserver.WithBaseURL(baseURL),
		mcpserver.WithSSEEndpoint(ssePath),
		mcpserver.WithMessageEndpoint(messagePath),
		mcpserver.WithKeepAlive(true),
		mcpserver.WithKeepAliveInterval(downstreamKeepAlive),
	)

	s.streamable = mcpserver.NewStreamableHTTPServer(s.mcp)

	s.sync()
	return s
}

// sync reconciles the mcp-go server's registered tools and prompts with the
// scope's current visible catalog.
func (s *scopeServer) sync() {
	tools := s.dispatcher.ListTools(s.scope)
	prompts := s.dispatcher.ListPrompts(s.scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	wantTools := make(map[string]bool, len(tools))
	var toolsToAdd []mcpserver.ServerTool
	for _, tool := range tools {
		wantTools[tool.Name] = true
		if s.activeTools[tool.Name] {
			continue
		}
		s.activeTools[tool.Name] = true
		toolsToAdd = append(toolsToAdd, mcpserver.ServerTool{
			Tool:    tool,
			Handler: s.toolHandler(tool.Name),
		})
	}

	var toolsToRemove []string
	for name := range s.activeTools {
		if !wantTools[name] {
			toolsToRemove = append(toolsToRemove, name)
			delete(s.activeTools, name)
		}
	}

	wantPrompts := make(map[string]bool, len(prompts))
	var promptsToAdd []mcpserver.ServerPrompt
	for _, prompt := range prompts {
		wantPrompts[prompt.Name] = true
		if s.activePrompts[prompt.Name] {
			continue
		}
		s.activePrompts[prompt.Name] = true
		promptsToAdd = append(promptsToAdd, mcpserver.ServerPrompt{
			Prompt:  prompt,
			Handler: s.promptHandler(prompt.Name),
		})
	}

	var promptsToRemove []string
	for name := range s.activePrompts {
		if !wantPrompts[name] {
			promptsToRemove = append(promptsToRemove, name)
			delete(s.activePrompts, name)
		}
	}

	if len(toolsToRemove) > 0 {
		s.mcp.DeleteTools(toolsToRemove...)
	}
	if len(toolsToAdd) > 0 {
		s.mcp.AddTools(toolsToAdd...)
	}
	if len(promptsToRemove) > 0 {
		s.mcp.DeletePrompts(promptsToRemove...)
	}
	if len(promptsToAdd) > 0 {
		s.mcp.AddPrompts(promptsToAdd...)
	}

	if len(toolsToAdd) > 0 || len(toolsToRemove) > 0 {
		logging.Debug("Hub", "Scope %q synced: +%d/-%d tools, +%d/-%d prompts",
			s.scope.Key(), len(toolsToAdd), len(toolsToRemove), len(promptsToAdd), len(promptsToRemove))
	}
}

// toolHandler routes a tools/call through the dispatcher.
func (s *scopeServer) toolHandler(exposedName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}

		result, err := s.dispatcher.CallTool(ctx, s.scope, exposedName, args)
		if err != nil {
			return nil, fmt.Errorf("tool execution failed: %w", err)
		}
		return result, nil
	}
}

// promptHandler routes a prompts/get through the dispatcher.
func (s *scopeServer) promptHandler(exposedName string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			for k, v := range req.Params.Arguments {
				args[k] = v
			}
		}

		result, err := s.dispatcher.GetPrompt(ctx, s.scope, exposedName, args)
		if err != nil {
			return nil, fmt.Errorf("prompt retrieval failed: %w", err)
		}
		return result, nil
	}
}

// shutdown destroys the per-scope MCP server instance.
func (s *scopeServer) shutdown() {
	// Transports are owned by the hub HTTP server; nothing to stop here
	// beyond dropping the registered items so handlers stop resolving.
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.activeTools {
		names = append(names, name)
	}
	if len(names) > 0 {
		s.mcp.DeleteTools(names...)
	}
	s.activeTools = make(map[string]bool)

	var promptNames []string
	for name := range s.activePrompts {
		promptNames = append(promptNames, name)
	}
	if len(promptNames) > 0 {
		s.mcp.DeletePrompts(promptNames...)
	}
	s.activePrompts = make(map[string]bool)
}
