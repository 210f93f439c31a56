// Package reverseproxy implements the reverse-proxy leg of the core message
// plane: an HTTP listener that load-balances across several upstreams with
// sticky sessions, a per-upstream circuit breaker, SSE pass-through/
// intercepted streaming, and SSE reconnection with Last-Event-Id resumption.
package reverseproxy

import (
	"sync"
	"sync/atomic"
)

// Upstream is one backend a reverse proxy listener load-balances across:
// either a Streamable HTTP endpoint (URL set) or a pooled stdio subprocess
// (Command set). Health comes from the circuit breaker alone (see Healthy);
// ActiveConnections is the live gauge the least-connections strategy reads.
type Upstream struct {
	ID      string
	Name    string
	URL     string
	Command string
	Args    []string
	Weight  int

	activeConnections int64 // atomic
	breaker           *CircuitBreaker
}

// NewUpstream constructs an HTTP Upstream with a closed circuit breaker.
// weight below 1 is normalized to 1.
func NewUpstream(id, name, url string, weight int, cb CircuitBreakerConfig) *Upstream {
	if weight < 1 {
		weight = 1
	}
	return &Upstream{
		ID:      id,
		Name:    name,
		URL:     url,
		Weight:  weight,
		breaker: NewCircuitBreaker(cb),
	}
}

// NewStdioUpstream constructs a subprocess-backed Upstream. Requests to it
// are exchanged through a connection pool rather than an HTTP client.
func NewStdioUpstream(id, name, command string, args []string, weight int, cb CircuitBreakerConfig) *Upstream {
	if weight < 1 {
		weight = 1
	}
	return &Upstream{
		ID:      id,
		Name:    name,
		Command: command,
		Args:    args,
		Weight:  weight,
		breaker: NewCircuitBreaker(cb),
	}
}

// IsStdio reports whether this upstream is a pooled subprocess rather than
// an HTTP endpoint.
func (u *Upstream) IsStdio() bool { return u.Command != "" }

// Healthy reports whether the circuit breaker currently admits requests to
// this upstream (closed or half-open with a probe slot available).
func (u *Upstream) Healthy() bool {
	return u.breaker.Admit()
}

// ActiveConnections returns the current in-flight request gauge.
func (u *Upstream) ActiveConnections() int64 {
	return atomic.LoadInt64(&u.activeConnections)
}

// BeginRequest increments the active-connection gauge; the caller must call
// the returned func exactly once when the request completes.
func (u *Upstream) BeginRequest() func() {
	atomic.AddInt64(&u.activeConnections, 1)
	return func() { atomic.AddInt64(&u.activeConnections, -1) }
}

// RecordSuccess reports a successful request outcome to the circuit breaker.
func (u *Upstream) RecordSuccess() { u.breaker.RecordSuccess() }

// RecordFailure reports a failed request outcome to the circuit breaker.
func (u *Upstream) RecordFailure() { u.breaker.RecordFailure() }

// BreakerState exposes the circuit breaker's state for health/admin output.
func (u *Upstream) BreakerState() BreakerState { return u.breaker.State() }

// Registry holds the fixed set of upstreams a reverse proxy listener serves,
// indexed by ID for sticky-session lookups and iterable in configured order
// for the load-balancing strategies.
type Registry struct {
	mu        sync.RWMutex
	upstreams []*Upstream
	byID      map[string]*Upstream
}

// NewRegistry builds a Registry over a fixed upstream list.
func NewRegistry(upstreams []*Upstream) *Registry {
	byID := make(map[string]*Upstream, len(upstreams))
	for _, u := range upstreams {
		byID[u.ID] = u
	}
	return &Registry{upstreams: upstreams, byID: byID}
}

// All returns every configured upstream, healthy or not.
func (r *Registry) All() []*Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Upstream, len(r.upstreams))
	copy(out, r.upstreams)
	return out
}

// Healthy returns the subset of upstreams currently admitting traffic.
func (r *Registry) Healthy() []*Upstream {
	all := r.All()
	out := make([]*Upstream, 0, len(all))
	for _, u := range all {
		if u.Healthy() {
			out = append(out, u)
		}
	}
	return out
}

// ByID looks up an upstream by id, for sticky-session resolution.
func (r *Registry) ByID(id string) (*Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	return u, ok
}
