// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"errors"

	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// ErrBlocked is returned by an interceptor that short-circuits a message
// with a Block action, without a more specific error to report.
var ErrBlocked = errors.New("proxy: message blocked by interceptor chain")

// MessageInterceptor inspects and optionally modifies envelopes as they
// flow through the proxy. Implementations form a chain: each interceptor
// decides whether to forward to the next link, short-circuit with a
// synthesized response, or reject with an error.
type MessageInterceptor interface {
	// Intercept inspects an envelope and returns it (possibly modified).
	// Returns the envelope to forward, or an error to block/reject.
	// For passthrough, return the same envelope unchanged.
	Intercept(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error)
}

// PassthroughInterceptor forwards all messages unchanged. Used as the
// terminal link of a chain, or standalone when no rules are configured.
type PassthroughInterceptor struct{}

// NewPassthroughInterceptor creates a passthrough interceptor.
func NewPassthroughInterceptor() *PassthroughInterceptor {
	return &PassthroughInterceptor{}
}

// Intercept returns the envelope unchanged.
func (i *PassthroughInterceptor) Intercept(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	return msg, nil
}

// Compile-time check that PassthroughInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*PassthroughInterceptor)(nil)
