// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// JSON-RPC error codes used by the router.
const (
	// ErrCodeMethodNotFound is returned when a tool is not found in any upstream.
	ErrCodeMethodNotFound = mcp.CodeMethodNotFound
	// ErrCodeInternal is returned when an upstream connection fails.
	ErrCodeInternal = mcp.CodeInternalError
	// ErrCodeNoUpstreams is returned when no upstreams are available (503-equivalent).
	ErrCodeNoUpstreams = -32000
)

// RoutableTool represents a tool that can be routed to a specific upstream.
// This is a minimal struct with just the fields the router needs, avoiding
// circular imports with the upstream package's DiscoveredTool type.
type RoutableTool struct {
	// Name is the tool's unique name.
	Name string
	// UpstreamID identifies which upstream owns this tool.
	UpstreamID string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's input parameters.
	InputSchema json.RawMessage
}

// ToolCacheReader provides read access to the shared tool cache.
// The ToolCache from the upstream package will satisfy this interface.
type ToolCacheReader interface {
	// GetTool looks up a tool by name. Returns the tool and true if found.
	GetTool(name string) (*RoutableTool, bool)
	// GetAllTools returns all discovered tools across all upstreams.
	GetAllTools() []*RoutableTool
}

// UpstreamConnectionProvider provides access to pooled upstream
// connections. The UpstreamManager satisfies this interface: each RoundTrip
// leases a connection from the upstream's bounded pool, exchanges exactly
// one frame pair, and returns the lease.
type UpstreamConnectionProvider interface {
	// RoundTrip sends one request frame to the upstream and returns the
	// response frame.
	RoundTrip(ctx context.Context, upstreamID string, frame []byte) ([]byte, error)
	// AllConnected returns true if at least one upstream is connected.
	AllConnected() bool
}

// UpstreamRouter routes MCP messages to the appropriate upstream based on
// tool name lookup in the shared ToolCache. It is the innermost interceptor
// in the chain for multi-upstream mode.
type UpstreamRouter struct {
	toolCache ToolCacheReader
	manager   UpstreamConnectionProvider
	logger    *slog.Logger
}

// NewUpstreamRouter creates a new UpstreamRouter.
func NewUpstreamRouter(cache ToolCacheReader, manager UpstreamConnectionProvider, logger *slog.Logger) *UpstreamRouter {
	return &UpstreamRouter{
		toolCache: cache,
		manager:   manager,
		logger:    logger,
	}
}

// Intercept routes the message to the appropriate upstream based on method type.
// - tools/list: aggregates tools from all upstreams via the ToolCache
// - tools/call: routes to the correct upstream based on tool name lookup
// - other methods: forwards to the first connected upstream (primary)
func (r *UpstreamRouter) Intercept(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	// Server-to-client messages (responses) pass through without routing.
	// Only client-to-server requests need to be routed to upstreams.
	if msg.Context.Direction == mcp.ServerToClient {
		return msg, nil
	}

	// Check if any upstreams are available.
	if !r.manager.AllConnected() {
		r.logger.Warn("no upstreams available")
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstreams available"), nil
	}

	method := msg.Message.Method

	switch method {
	case "initialize":
		return r.handleInitialize(msg)
	case "notifications/initialized", "initialized":
		// Client acknowledgement — no response needed, just consume it.
		return r.buildResultResponse(msg, map[string]any{})
	case "tools/list":
		return r.handleToolsList(msg)
	case "tools/call":
		return r.handleToolsCall(ctx, msg)
	default:
		return r.handleForward(ctx, msg)
	}
}

// handleToolsList aggregates tools from all upstreams into a unified response.
func (r *UpstreamRouter) handleToolsList(msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	allTools := r.toolCache.GetAllTools()

	// Sort tools by name for deterministic ordering.
	sort.Slice(allTools, func(i, j int) bool {
		return allTools[i].Name < allTools[j].Name
	})

	// Build the tools array for the response.
	tools := make([]toolEntry, 0, len(allTools))
	for _, t := range allTools {
		entry := toolEntry{
			Name:        t.Name,
			Description: t.Description,
		}
		if t.InputSchema != nil {
			entry.InputSchema = t.InputSchema
		}
		tools = append(tools, entry)
	}

	result := toolsListResult{Tools: tools}

	return r.buildResultResponse(msg, result)
}

// handleToolsCall routes a tools/call request to the upstream that owns the tool.
func (r *UpstreamRouter) handleToolsCall(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	// Extract tool name from request params.
	toolName := r.extractToolName(msg)
	if toolName == "" {
		r.logger.Warn("tools/call missing tool name")
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, "Tool not found: (empty name)"), nil
	}

	// Look up the tool in the cache.
	tool, found := r.toolCache.GetTool(toolName)
	if !found {
		r.logger.Warn("tool not found", "tool", toolName)
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName)), nil
	}

	r.logger.Debug("routing tools/call", "tool", toolName, "upstream", tool.UpstreamID)

	resp, err := r.forwardToUpstream(ctx, msg, tool.UpstreamID)
	if err != nil {
		r.logger.Error("upstream exchange failed", "upstream", tool.UpstreamID, "error", err)
		return r.buildErrorResponse(msg, ErrCodeInternal, fmt.Sprintf("Upstream unavailable: %s", tool.UpstreamID)), nil
	}
	return resp, nil
}

// handleInitialize responds to the MCP initialize handshake directly.
// The proxy advertises its own capabilities (tools) without forwarding to upstreams.
func (r *UpstreamRouter) handleInitialize(msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	r.logger.Debug("handling initialize locally")

	result := map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "shadowcat",
			"version": "1.0.0",
		},
	}

	return r.buildResultResponse(msg, result)
}

// handleForward forwards non-tool messages to the first available upstream.
func (r *UpstreamRouter) handleForward(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	r.logger.Debug("forwarding message to upstream", "method", msg.Message.Method)

	// Find the first upstream that has tools (i.e. is connected).
	allTools := r.toolCache.GetAllTools()
	if len(allTools) > 0 {
		upstreamID := allTools[0].UpstreamID
		resp, err := r.forwardToUpstream(ctx, msg, upstreamID)
		if err == nil {
			return resp, nil
		}
		r.logger.Error("upstream exchange failed", "upstream", upstreamID, "error", err)
	}

	// Fallback: try the "primary" key (for single-upstream YAML mode).
	resp, err := r.forwardToUpstream(ctx, msg, "primary")
	if err != nil {
		r.logger.Error("no upstream available for forwarding", "method", msg.Message.Method, "error", err)
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstream available"), nil
	}
	return resp, nil
}

// forwardToUpstream sends the envelope's message through the upstream's
// connection pool and decodes the response frame.
func (r *UpstreamRouter) forwardToUpstream(ctx context.Context, msg *mcp.MessageEnvelope, upstreamID string) (*mcp.MessageEnvelope, error) {
	data, err := mcp.EncodeProtocolMessage(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("encoding message to forward: %w", err)
	}

	respData, err := r.manager.RoundTrip(ctx, upstreamID, data)
	if err != nil {
		return nil, err
	}

	respMsg, err := mcp.DecodeProtocolMessage(respData)
	if err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}

	return withMessage(msg.WithDirection(mcp.ServerToClient), respMsg), nil
}

// extractToolName extracts the tool name from a tools/call request's params.
func (r *UpstreamRouter) extractToolName(msg *mcp.MessageEnvelope) string {
	var params struct {
		Name string `json:"name"`
	}
	if err := msg.Message.ParseParams(&params); err != nil {
		return ""
	}
	return params.Name
}

// buildErrorResponse constructs a JSON-RPC error response envelope.
func (r *UpstreamRouter) buildErrorResponse(msg *mcp.MessageEnvelope, code int, message string) *mcp.MessageEnvelope {
	resp := mcp.NewErrorResponse(msg.Message.ID, code, message, nil)
	return withMessage(msg.WithDirection(mcp.ServerToClient), resp)
}

// buildResultResponse constructs a JSON-RPC success response envelope.
func (r *UpstreamRouter) buildResultResponse(msg *mcp.MessageEnvelope, result interface{}) (*mcp.MessageEnvelope, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	resp := mcp.NewResultResponse(msg.Message.ID, resultJSON)
	return withMessage(msg.WithDirection(mcp.ServerToClient), resp), nil
}

// withMessage returns a shallow copy of the envelope with its ProtocolMessage
// replaced, leaving the MessageContext (including direction) intact.
func withMessage(e *mcp.MessageEnvelope, m *mcp.ProtocolMessage) *mcp.MessageEnvelope {
	clone := e.Clone()
	clone.Message = m
	return clone
}

// --- JSON response types ---

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}

// Compile-time check that UpstreamRouter implements MessageInterceptor.
var _ MessageInterceptor = (*UpstreamRouter)(nil)
