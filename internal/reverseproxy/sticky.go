package reverseproxy

import (
	"context"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
)

// StickyConfig tunes sticky-session pinning.
type StickyConfig struct {
	// Enabled pins a session to the upstream that served its first request.
	Enabled bool
	// RebalanceOnRecovery decides whether a session pinned to an upstream
	// that later became unhealthy and then recovered should stay on the
	// (recovered) pinned upstream or be free to rebalance while it was
	// unhealthy. false keeps the pin sticky
	// across a transient outage: once the pinned upstream is healthy again
	// it keeps serving that session, matching "sticky means sticky" rather
	// than silently rebalancing traffic an operator pinned on purpose.
	RebalanceOnRecovery bool
}

// resolveUpstream picks the upstream for sess's next request: the pinned
// upstream if sticky sessions are enabled and one is recorded and healthy,
// otherwise a fresh pick from sel. The fresh pick is recorded as the new pin
// unless an unhealthy pin is being kept because RebalanceOnRecovery is false.
func resolveUpstream(ctx context.Context, cfg StickyConfig, sessions *session.Manager, sess *session.Session, reg *Registry, sel Selector) (*Upstream, error) {
	keepPin := false
	if cfg.Enabled && sess.StickyUpstreamID != "" {
		if u, ok := reg.ByID(sess.StickyUpstreamID); ok {
			if u.Healthy() {
				return u, nil
			}
			// An unhealthy pin falls through to a fresh pick for this
			// request; unless RebalanceOnRecovery is set, the pin itself
			// is kept so the session returns to it once it recovers.
			keepPin = !cfg.RebalanceOnRecovery
		}
	}

	u, err := sel.Select(reg)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled && sessions != nil && !keepPin {
		_ = sessions.SetStickyUpstream(ctx, sess.ID, u.ID)
	}
	return u, nil
}
