package proxy

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// GlobalRateLimitInterceptor enforces a single shed-the-whole-listener rate
// limit ahead of the per-IP/per-principal GCRA limiters, using a token
// bucket rather than GCRA since there is no per-key state to keep fair: one
// bucket, shared by every request the reverse proxy listener accepts.
//
// Position in chain: before IPRateLimitInterceptor, so a global overload
// sheds load before any per-key bookkeeping runs.
type GlobalRateLimitInterceptor struct {
	limiter *rate.Limiter
	next    MessageInterceptor
	logger  *slog.Logger
}

// NewGlobalRateLimitInterceptor builds a GlobalRateLimitInterceptor from a
// requests-per-second rate and burst size. A nil or non-positive limiter
// rate disables limiting (limiter is unlimited).
func NewGlobalRateLimitInterceptor(rps float64, burst int, next MessageInterceptor, logger *slog.Logger) *GlobalRateLimitInterceptor {
	var limiter *rate.Limiter
	if rps <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &GlobalRateLimitInterceptor{limiter: limiter, next: next, logger: logger}
}

// Intercept rejects client-to-server requests once the global token bucket
// is exhausted; server-to-client traffic and internal messages always pass.
func (g *GlobalRateLimitInterceptor) Intercept(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	if msg.Context.Direction != mcp.ClientToServer {
		return g.next.Intercept(ctx, msg)
	}

	reservation := g.limiter.Reserve()
	if !reservation.OK() {
		return nil, &RateLimitError{RetryAfter: 0}
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		g.logger.Warn("global rate limit exceeded", "retry_after", delay)
		return nil, &RateLimitError{RetryAfter: delay}
	}

	return g.next.Intercept(ctx, msg)
}
