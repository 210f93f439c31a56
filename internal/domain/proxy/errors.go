package proxy

import (
	"errors"
	"net/http"

	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// BlockError is returned when a rule's Block action stops an envelope. It
// carries the action's client-facing reason and JSON-RPC error code so the
// edge can synthesize exactly the error the rule configured.
type BlockError struct {
	Reason string
	Code   int
}

func (e *BlockError) Error() string {
	if e.Reason == "" {
		return "request blocked by policy"
	}
	return e.Reason
}

// Unwrap ties BlockError into the ErrBlocked chain so errors.Is keeps
// matching at call sites that only care whether the envelope was blocked.
func (e *BlockError) Unwrap() error { return ErrBlocked }

// SafeErrorMessage converts an interceptor-chain error into a string that is
// safe to send back to the client. BlockError, RateLimitError and AuthError
// carry messages meant to be client-facing; everything else (decode
// failures, upstream I/O errors, CEL evaluation panics) is collapsed to a
// generic message so internal details never leak over the wire. Callers
// still log the original error.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var blockErr *BlockError
	if errors.As(err, &blockErr) {
		return blockErr.Error()
	}
	if errors.Is(err, ErrBlocked) {
		return "request blocked by policy"
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr.Error()
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Error()
	}

	return "internal proxy error"
}

// ErrorCodeFor returns the JSON-RPC error code to report for err, falling
// back to CodeInvalidRequest when err carries no more specific classification.
func ErrorCodeFor(err error) int {
	var blockErr *BlockError
	if errors.As(err, &blockErr) && blockErr.Code != 0 {
		return blockErr.Code
	}
	if errors.Is(err, ErrBlocked) {
		return mcp.CodeInvalidRequest
	}
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return mcp.CodeInvalidRequest
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return mcp.CodeInvalidRequest
	}
	return mcp.CodeInternalError
}

// HTTPStatusFor maps an interceptor-chain error to an HTTP status code.
// AuthError and RateLimitError carry a status distinct from the JSON-RPC
// body's embedded error code (401/503/429 rather than the 200 used for a
// Block outcome); everything else falls back to 200, since the error is
// fully expressed by the JSON-RPC body.
func HTTPStatusFor(err error) int {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Reason == AuthReasonKeyFetch {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnauthorized
	}
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return http.StatusTooManyRequests
	}
	return http.StatusOK
}
