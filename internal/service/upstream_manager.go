package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/pool"
	"github.com/shadowcat-mcp/shadowcat/internal/port/outbound"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// ClientFactory creates an MCPClient from an upstream configuration.
// The default factory creates StdioClient for stdio type and HTTPClient for http type.
type ClientFactory func(u *upstream.Upstream) (outbound.MCPClient, error)

// ErrUpstreamNotManaged is returned when a lease is requested for an
// upstream the manager has not started.
var ErrUpstreamNotManaged = errors.New("upstream not managed")

// stdioConn is one pooled subprocess connection to an upstream: the child's
// pipes wrapped with newline-delimited JSON framing. It satisfies
// pool.Closer so the pool can dispose of it on eviction or shutdown, which
// terminates the child (SIGTERM, then SIGKILL after the grace period).
type stdioConn struct {
	client outbound.MCPClient
	stdin  io.WriteCloser
	stdout io.ReadCloser
	fw     *mcp.FrameWriter
	fr     *mcp.FrameReader

	broken atomic.Bool
}

func (c *stdioConn) Close() error {
	return c.client.Close()
}

// markBroken flags the connection so the pool's health check discards it
// instead of handing it to the next lease. A half-consumed stdio stream is
// unusable: framing no longer lines up with request boundaries.
func (c *stdioConn) markBroken() {
	c.broken.Store(true)
}

func (c *stdioConn) healthy() bool {
	return !c.broken.Load()
}

// UpstreamLease is an exclusive claim on one upstream connection. Callers
// must Release exactly once; marking broken before release discards the
// connection instead of returning it to the pool.
type UpstreamLease struct {
	lease *pool.Lease[*stdioConn]
}

// Stdin is the raw write side of the leased connection.
func (l *UpstreamLease) Stdin() io.Writer { return l.lease.Conn.stdin }

// Stdout is the raw read side of the leased connection.
func (l *UpstreamLease) Stdout() io.Reader { return l.lease.Conn.stdout }

// WriteFrame sends one JSON-RPC frame on the leased connection.
func (l *UpstreamLease) WriteFrame(data []byte) error {
	if err := l.lease.Conn.fw.WriteFrame(data); err != nil {
		l.MarkBroken()
		return err
	}
	return nil
}

// ReadFrame reads one JSON-RPC frame from the leased connection.
func (l *UpstreamLease) ReadFrame() ([]byte, error) {
	data, err := l.lease.Conn.fr.ReadFrame()
	if err != nil {
		l.MarkBroken()
		return nil, err
	}
	return data, nil
}

// MarkBroken flags the underlying connection for discard on release.
func (l *UpstreamLease) MarkBroken() { l.lease.Conn.markBroken() }

// Release returns the connection to its pool. Safe to call more than once.
func (l *UpstreamLease) Release() { l.lease.Release() }

// UpstreamManager multiplexes subprocess upstreams behind one bounded
// connection pool per upstream. A pool with MaxSize 1 gives the
// "subprocess reuse" shape (one long-lived child serving sequential
// requests, spawned once); larger sizes give concurrent children. Pools
// construct connections lazily on first acquire, so starting an upstream
// never blocks on the child actually launching.
type UpstreamManager struct {
	upstreamService *UpstreamService
	clientFactory   ClientFactory
	poolCfg         pool.Config
	logger          *slog.Logger

	mu     sync.RWMutex
	pools  map[string]*pool.Pool[*stdioConn]
	closed bool
}

// NewUpstreamManager creates an UpstreamManager. poolCfg applies to every
// upstream's pool; a zero MaxSize is normalized to 1 by the pool itself.
func NewUpstreamManager(upstreamService *UpstreamService, clientFactory ClientFactory, poolCfg pool.Config, logger *slog.Logger) *UpstreamManager {
	return &UpstreamManager{
		upstreamService: upstreamService,
		clientFactory:   clientFactory,
		poolCfg:         poolCfg,
		logger:          logger,
		pools:           make(map[string]*pool.Pool[*stdioConn]),
	}
}

// StartAll registers a pool for every enabled upstream from the upstream
// service.
func (m *UpstreamManager) StartAll(ctx context.Context) error {
	upstreams, err := m.upstreamService.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}

	for i := range upstreams {
		u := upstreams[i]
		if !u.Enabled {
			continue
		}
		if err := m.Start(ctx, u.ID); err != nil {
			m.logger.Error("failed to start upstream", "id", u.ID, "name", u.Name, "error", err)
		}
	}
	return nil
}

// Start registers a connection pool for the upstream. The first child is
// spawned on the first Acquire, not here.
func (m *UpstreamManager) Start(ctx context.Context, upstreamID string) error {
	u, err := m.upstreamService.Get(ctx, upstreamID)
	if err != nil {
		return fmt.Errorf("get upstream %s: %w", upstreamID, err)
	}

	factory := func(ctx context.Context) (*stdioConn, error) {
		return m.dial(ctx, u)
	}
	health := func(c *stdioConn) bool { return c.healthy() }

	p := pool.New(m.poolCfg, factory, health)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = p.Close()
		return errors.New("upstream manager closed")
	}
	if old, ok := m.pools[upstreamID]; ok {
		go func() { _ = old.Close() }()
	}
	m.pools[upstreamID] = p

	m.logger.Info("upstream registered", "id", u.ID, "name", u.Name, "max_connections", m.poolCfg.MaxSize)
	return nil
}

// dial spawns one child process for u and wraps its pipes with framing.
func (m *UpstreamManager) dial(ctx context.Context, u *upstream.Upstream) (*stdioConn, error) {
	client, err := m.clientFactory(u)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", u.ID, err)
	}
	stdin, stdout, err := client.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start upstream %s: %w", u.ID, err)
	}
	m.logger.Debug("upstream connection spawned", "id", u.ID, "name", u.Name)
	return &stdioConn{
		client: client,
		stdin:  stdin,
		stdout: stdout,
		fw:     mcp.NewFrameWriter(stdin),
		fr:     mcp.NewFrameReader(stdout, 0),
	}, nil
}

// Stop closes the upstream's pool, terminating its children.
func (m *UpstreamManager) Stop(upstreamID string) error {
	m.mu.Lock()
	p, ok := m.pools[upstreamID]
	delete(m.pools, upstreamID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUpstreamNotManaged, upstreamID)
	}
	return p.Close()
}

// Restart tears the upstream's pool down and registers a fresh one.
func (m *UpstreamManager) Restart(ctx context.Context, upstreamID string) error {
	_ = m.Stop(upstreamID)
	return m.Start(ctx, upstreamID)
}

// Acquire leases one connection to the upstream, waiting up to the pool's
// acquire timeout for a permit. The caller owns the lease exclusively
// until Release.
func (m *UpstreamManager) Acquire(ctx context.Context, upstreamID string) (*UpstreamLease, error) {
	m.mu.RLock()
	p, ok := m.pools[upstreamID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamNotManaged, upstreamID)
	}
	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &UpstreamLease{lease: lease}, nil
}

// RoundTrip leases a connection, sends one request frame, and reads one
// response frame. A transport error marks the connection broken so the
// pool discards it rather than reusing a desynchronized stream.
func (m *UpstreamManager) RoundTrip(ctx context.Context, upstreamID string, frame []byte) ([]byte, error) {
	lease, err := m.Acquire(ctx, upstreamID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := lease.WriteFrame(frame); err != nil {
		return nil, fmt.Errorf("write to upstream %s: %w", upstreamID, err)
	}
	resp, err := lease.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("upstream %s closed connection without response", upstreamID)
		}
		return nil, fmt.Errorf("read from upstream %s: %w", upstreamID, err)
	}
	return resp, nil
}

// AllConnected reports whether at least one upstream pool is registered.
func (m *UpstreamManager) AllConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools) > 0
}

// Status reports the upstream's runtime state: connected while a pool is
// registered for it, disconnected otherwise.
func (m *UpstreamManager) Status(upstreamID string) (upstream.ConnectionStatus, string) {
	m.mu.RLock()
	_, ok := m.pools[upstreamID]
	m.mu.RUnlock()

	if !ok {
		return upstream.StatusDisconnected, ""
	}
	return upstream.StatusConnected, ""
}

// StatusAll returns the status of all managed upstreams.
func (m *UpstreamManager) StatusAll() map[string]upstream.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]upstream.ConnectionStatus, len(m.pools))
	for id := range m.pools {
		result[id] = upstream.StatusConnected
	}
	return result
}

// PoolStats reports lease accounting for one upstream's pool, for the
// health endpoint.
func (m *UpstreamManager) PoolStats(upstreamID string) (active, available int64, ok bool) {
	m.mu.RLock()
	p, found := m.pools[upstreamID]
	m.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	return p.ActiveCount(), p.AvailablePermits(), true
}

// Close shuts every pool down, terminating all children, and rejects
// further Start calls.
func (m *UpstreamManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*pool.Pool[*stdioConn], 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool.Pool[*stdioConn])
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
