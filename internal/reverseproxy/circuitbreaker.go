package reverseproxy

import (
	"sync"
	"time"
)

// BreakerState names where a CircuitBreaker currently sits.
type BreakerState int

const (
	// BreakerClosed admits all traffic; consecutive failures accumulate
	// toward FailureThreshold.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all traffic until CooldownPeriod elapses.
	BreakerOpen
	// BreakerHalfOpen admits a bounded number of probe requests; a success
	// run of HalfOpenProbes closes the breaker, any failure reopens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one breaker instance.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	CooldownPeriod   time.Duration
	HalfOpenProbes   int
}

// DefaultCircuitBreakerConfig returns reasonable per-upstream breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker is a closed -> open -> half-open per-upstream failure
// state machine: closed trips to open after
// FailureThreshold consecutive failures; open transitions to half-open
// after CooldownPeriod and permits a bounded probe count; half-open closes
// on HalfOpenProbes consecutive successes or reopens on any failure.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight bool
	halfOpenSuccess  int
}

// NewCircuitBreaker constructs a breaker in the closed state. A disabled
// config (Enabled == false) always admits and never trips.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Admit reports whether a new request may proceed. In the open state, it
// transitions to half-open once CooldownPeriod has elapsed and grants
// exactly one probe slot at a time; half-open calls with a probe already
// in flight are rejected until that probe resolves.
func (b *CircuitBreaker) Admit() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.CooldownPeriod {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = true
		return true
	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful probe/request.
func (b *CircuitBreaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFails = 0
	case BreakerHalfOpen:
		b.halfOpenInFlight = false
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenProbes {
			b.state = BreakerClosed
			b.consecutiveFails = 0
		}
	case BreakerOpen:
		// Stray success after Admit raced a cooldown expiry; ignore.
	}
}

// RecordFailure reports a failed probe/request. A failure while open
// (should not normally happen since Admit rejects) or half-open always
// reopens the breaker and restarts the cooldown.
func (b *CircuitBreaker) RecordFailure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.consecutiveFails = 0
		}
	case BreakerHalfOpen:
		b.halfOpenInFlight = false
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.halfOpenSuccess = 0
	case BreakerOpen:
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state, for health/admin surfaces.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
