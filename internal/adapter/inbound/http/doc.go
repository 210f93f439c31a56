// Package http provides the Streamable HTTP inbound transport for the
// proxy, following the MCP Streamable HTTP specification (2025-03-26).
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(proxyService,
//	    http.WithAddr(":8080"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// In reverse mode the /mcp surface is supplied externally:
//
//	transport := http.NewHTTPTransport(nil,
//	    http.WithMCPHandler(reverseProxy),
//	    http.WithExtraHandler(adminHandler),
//	)
//
// # Endpoints
//
//	POST /mcp    - Send JSON-RPC request, receive JSON or SSE response
//	GET /mcp     - Open SSE stream for server-initiated messages
//	DELETE /mcp  - Terminate session and close SSE connections
//	GET /health  - Component health document
//	GET /metrics - Prometheus text format
//	GET /admin/* - Admin API (auth-gated), when configured
//
// # Request Headers
//
//	Authorization: Bearer <token>       - API key or JWT
//	Mcp-Session-Id: <session-id>        - Session identifier for stateful requests
//	MCP-Protocol-Version: <version>     - Protocol version negotiation
//	Last-Event-Id: <id>                 - SSE resumption after disconnect
//	Content-Type: application/json      - Required for POST requests
//
// # Response Headers
//
//	MCP-Protocol-Version: 2025-06-18    - MCP protocol version
//	Mcp-Session-Id: <session-id>        - Session identifier echoed back
//	Content-Type: application/json or text/event-stream
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status
//  2. RequestIDMiddleware - Request id extraction and logger enrichment
//  3. RealIPMiddleware - Extracts client IP from proxy headers
//  4. DNSRebindingProtection - Validates Origin header
//  5. APIKeyMiddleware - Extracts credentials from Authorization header
//  6. Handler - Routes to POST/GET/DELETE handlers
//
// # Server-Sent Events (SSE)
//
// GET requests open an SSE stream for server-initiated messages. The stream:
//   - Requires Mcp-Session-Id header
//   - Sends "data: <json>\n\n" formatted events
//   - Supports multiple connections per session
//   - Cleanly disconnects on context cancellation or session termination
package http
