// Package pool implements a generic bounded connection pool: permits gate
// admission, idle connections are evicted on a maintenance loop, and leases
// return on a best-effort basis with a guaranteed close-on-backpressure
// backstop so a missed return is never a leak. It serves both "subprocess
// reuse" (one long-lived child serving sequential requests, max_size=1) and
// "HTTP keep-alive" (short leases, many concurrent sessions) from the same
// implementation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrExhausted is returned by Acquire when no permit became available
// before acquire_timeout elapsed.
var ErrExhausted = errors.New("pool: exhausted (acquire timeout)")

// ErrClosed is returned by Acquire once the pool has been shut down.
var ErrClosed = errors.New("pool: closed")

// Closer is the minimal contract a pooled connection must satisfy so the
// pool can dispose of it on eviction, backpressure, or shutdown.
type Closer interface {
	Close() error
}

// Factory constructs a new connection of type T. Called by Acquire when no
// idle connection is available and the pool is under its max size.
type Factory[T Closer] func(ctx context.Context) (T, error)

// HealthCheck reports whether an idle connection is still usable. A false
// result causes the pool to discard the connection and construct a fresh
// one rather than returning it as a lease.
type HealthCheck[T Closer] func(conn T) bool

// Config tunes pool admission, eviction, and return behavior.
type Config struct {
	// MaxSize bounds active_count: the number of leases that may be
	// outstanding simultaneously.
	MaxSize int64
	// AcquireTimeout bounds how long Acquire waits for a permit.
	AcquireTimeout time.Duration
	// IdleTimeout is how long an idle connection may sit in the pool
	// before the maintenance loop evicts and closes it.
	IdleTimeout time.Duration
	// ReturnQueueSize bounds the return channel; a full channel triggers
	// the close-on-backpressure path instead of blocking the releasing
	// caller.
	ReturnQueueSize int
	// CloseTimeout bounds how long a backpressure-triggered or
	// maintenance-loop close may take before it is abandoned.
	CloseTimeout time.Duration
	// MaintenanceInterval is how often the maintenance loop sweeps for
	// idle connections to evict.
	MaintenanceInterval time.Duration
}

// DefaultConfig returns reasonable defaults for acquire_timeout,
// idle_timeout, and the bounded return channel.
func DefaultConfig() Config {
	return Config{
		MaxSize:             8,
		AcquireTimeout:      10 * time.Second,
		IdleTimeout:         5 * time.Minute,
		ReturnQueueSize:     16,
		CloseTimeout:        5 * time.Second,
		MaintenanceInterval: 30 * time.Second,
	}
}

type idleConn[T Closer] struct {
	conn       T
	returnedAt time.Time
}

// Pool is a generic bounded connection pool parameterized by a health check
// and connection factory. It owns a maintenance loop (not any individual
// lease) that consumes returns, evicts idle connections, and responds to
// shutdown; last-reference cleanup is driven explicitly via Close rather
// than a finalizer, since Go has no reliable drop-based destructor.
type Pool[T Closer] struct {
	cfg     Config
	factory Factory[T]
	health  HealthCheck[T]

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []idleConn[T]
	closed bool

	active int64 // atomic

	returnCh chan T
	evictCh  chan T
	shutdown chan struct{}
	done     chan struct{}
}

// New constructs a Pool and starts its maintenance loop.
func New[T Closer](cfg Config, factory Factory[T], health HealthCheck[T]) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.ReturnQueueSize <= 0 {
		cfg.ReturnQueueSize = int(cfg.MaxSize)
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}

	p := &Pool[T]{
		cfg:      cfg,
		factory:  factory,
		health:   health,
		sem:      semaphore.NewWeighted(cfg.MaxSize),
		returnCh: make(chan T, cfg.ReturnQueueSize),
		evictCh:  make(chan T, cfg.ReturnQueueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.maintain()
	return p
}

// Lease is the exclusive handle a caller holds on one pooled connection.
// Release returns it to the pool (best-effort); a lease is never part of a
// reference cycle with the pool itself.
type Lease[T Closer] struct {
	Conn T

	pool       *Pool[T]
	released   int32
	acquiredAt time.Time
}

// AcquiredAt reports when this lease was handed out.
func (l *Lease[T]) AcquiredAt() time.Time { return l.acquiredAt }

// Release returns the connection to the pool. Calling Release more than
// once is a no-op. On backpressure (the return channel is full), the
// connection is closed directly with a bounded timeout and active_count is
// decremented — a missed return is never a leak.
func (l *Lease[T]) Release() {
	if !atomic.CompareAndSwapInt32(&l.released, 0, 1) {
		return
	}
	l.pool.release(l.Conn)
}

// Acquire waits for a permit (up to cfg.AcquireTimeout), then pops an idle
// connection or constructs a new one via factory. Returns ErrExhausted on
// timeout and ErrClosed if the pool has been shut down.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	select {
	case <-p.shutdown:
		return nil, ErrClosed
	default:
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() == nil {
			return nil, ErrExhausted
		}
		return nil, fmt.Errorf("pool: acquire: %w", ctx.Err())
	}
	atomic.AddInt64(&p.active, 1)

	conn, fromIdle, err := p.takeOrCreate(ctx)
	if err != nil {
		atomic.AddInt64(&p.active, -1)
		p.sem.Release(1)
		return nil, err
	}
	_ = fromIdle

	return &Lease[T]{Conn: conn, pool: p, acquiredAt: time.Now()}, nil
}

func (p *Pool[T]) takeOrCreate(ctx context.Context) (conn T, fromIdle bool, err error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		n := len(p.idle)
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if p.health == nil || p.health(ic.conn) {
			return ic.conn, true, nil
		}
		_ = ic.conn.Close()
		p.mu.Lock()
	}
	p.mu.Unlock()

	conn, err = p.factory(ctx)
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("pool: create connection: %w", err)
	}
	return conn, false, nil
}

// release is the non-blocking-send-then-backstop path a Lease.Release
// drives. It never holds p.mu across the close call.
func (p *Pool[T]) release(conn T) {
	select {
	case <-p.shutdown:
		// Pool shut down: the maintenance loop no longer drains returns.
		p.closeWithTimeout(conn)
		atomic.AddInt64(&p.active, -1)
		p.sem.Release(1)
		return
	default:
	}
	select {
	case p.returnCh <- conn:
		// Maintenance loop will re-idle or close it.
	default:
		// Return channel full: close directly and decrement active_count.
		// This is the guaranteed backstop — a missed return is never a leak.
		p.closeWithTimeout(conn)
		atomic.AddInt64(&p.active, -1)
		p.sem.Release(1)
	}
}

func (p *Pool[T]) closeWithTimeout(conn T) {
	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.CloseTimeout):
	}
}

// maintain owns the return channel and the idle-eviction sweep. No
// background task holds p.mu across an await of connection close: idle
// closes below happen outside the lock.
func (p *Pool[T]) maintain() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case conn, ok := <-p.returnCh:
			if !ok {
				return
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.closeWithTimeout(conn)
				atomic.AddInt64(&p.active, -1)
				p.sem.Release(1)
				continue
			}
			p.idle = append(p.idle, idleConn[T]{conn: conn, returnedAt: time.Now()})
			p.mu.Unlock()
			atomic.AddInt64(&p.active, -1)
			p.sem.Release(1)

		case <-ticker.C:
			p.evictIdle()

		case <-p.shutdown:
			p.drainAndClose()
			return
		}
	}
}

// evictIdle closes idle connections older than IdleTimeout. It collects
// candidates under the lock, then closes them outside it.
func (p *Pool[T]) evictIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	kept := p.idle[:0]
	var evicted []T
	for _, ic := range p.idle {
		if ic.returnedAt.Before(cutoff) {
			evicted = append(evicted, ic.conn)
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range evicted {
		p.closeWithTimeout(conn)
	}
}

// drainAndClose closes every idle connection at shutdown. Connections
// still out on lease are closed by their own Release call as callers
// finish; Close waits (with a timeout) for the maintenance loop to join.
func (p *Pool[T]) drainAndClose() {
	for {
		select {
		case conn, ok := <-p.returnCh:
			if !ok {
				p.closeAllIdle()
				return
			}
			p.closeWithTimeout(conn)
			atomic.AddInt64(&p.active, -1)
		default:
			p.closeAllIdle()
			return
		}
	}
}

func (p *Pool[T]) closeAllIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, ic := range idle {
		p.closeWithTimeout(ic.conn)
	}
}

// ActiveCount returns the current number of outstanding leases.
func (p *Pool[T]) ActiveCount() int64 {
	return atomic.LoadInt64(&p.active)
}

// AvailablePermits returns max_size - active_count, which sums back to
// max_size once every lease is returned.
func (p *Pool[T]) AvailablePermits() int64 {
	return p.cfg.MaxSize - p.ActiveCount()
}

// Close notifies shutdown, joins the maintenance loop with a timeout, and
// closes remaining idle connections. Safe to call once; subsequent calls
// are no-ops. This is the "last external reference dropped" backstop,
// invoked explicitly since Go has no async-drop equivalent.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.shutdown)

	select {
	case <-p.done:
	case <-time.After(p.cfg.CloseTimeout * 2):
	}
	return nil
}
