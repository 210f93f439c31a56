package reverseproxy

import (
	"context"
	"math/rand"
	"time"
)

// ReconnectConfig tunes SSE reconnection backoff.
type ReconnectConfig struct {
	Enabled        bool
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
}

// DefaultReconnectConfig matches common Streamable HTTP client defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:        true,
		MaxRetries:     5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.2,
	}
}

// Backoff computes the delay before reconnect attempt n (0-based),
// exponential with multiplicative jitter: delay = min(initial *
// multiplier^n, max) * (1 + U(-jitter, jitter)).
func (c ReconnectConfig) Backoff(attempt int, rng *rand.Rand) time.Duration {
	d := float64(c.InitialBackoff)
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	for i := 0; i < attempt; i++ {
		d *= mult
		if d > float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	if c.JitterFactor > 0 {
		spread := d * c.JitterFactor
		j := rng.Float64()*2*spread - spread
		d += j
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// Reconnector drives the upstream-leg SSE reconnection loop: on
// unexpected stream termination, re-POST to the same upstream
// with Last-Event-Id and MCP-Session-Id, backing off between attempts, and
// reporting whether it should keep retrying.
type Reconnector struct {
	cfg ReconnectConfig
	rng *rand.Rand
}

// NewReconnector builds a Reconnector. seed lets tests make backoff jitter
// deterministic; pass time.Now().UnixNano() in production.
func NewReconnector(cfg ReconnectConfig, seed int64) *Reconnector {
	return &Reconnector{cfg: cfg, rng: rand.New(rand.NewSource(seed))} //nolint:gosec // jitter only
}

// Attempt is one reconnection try's outcome, used by Run's callback to
// report success/failure back into the loop.
type Attempt struct {
	Number int
	Delay  time.Duration
}

// Run drives attempts until reconnect succeeds (try returns nil), the
// context is canceled, or MaxRetries is exhausted (try keeps returning a
// non-nil error). Returns the last error on exhaustion, or nil on success.
func (r *Reconnector) Run(ctx context.Context, try func(ctx context.Context, a Attempt) error) error {
	if !r.cfg.Enabled {
		return try(ctx, Attempt{Number: 0})
	}

	var lastErr error
	for n := 0; n <= r.cfg.MaxRetries; n++ {
		delay := time.Duration(0)
		if n > 0 {
			delay = r.cfg.Backoff(n-1, r.rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := try(ctx, Attempt{Number: n, Delay: delay}); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
