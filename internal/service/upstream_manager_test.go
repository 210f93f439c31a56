package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/pool"
	"github.com/shadowcat-mcp/shadowcat/internal/port/outbound"
)

// --- Mock MCPClient for Manager tests ---

// echoMCPClient implements outbound.MCPClient as an in-process echo server:
// every frame written to its stdin comes back on its stdout, like proxying
// to `cat`. It counts Start calls so tests can assert subprocess reuse.
type echoMCPClient struct {
	mu         sync.Mutex
	startErr   error
	startCount int
	closeCount int
	closed     bool

	// One mock may back several pooled connections; every pipe pair is
	// tracked so Close tears all of them down (goleak checks this).
	stdinWs  []*io.PipeWriter
	stdoutRs []*io.PipeReader
	dones    []chan struct{}
}

func newEchoMCPClient() *echoMCPClient {
	return &echoMCPClient{}
}

func (m *echoMCPClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	if m.startErr != nil {
		return nil, nil, m.startErr
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan struct{})
	m.stdinWs = append(m.stdinWs, inW)
	m.stdoutRs = append(m.stdoutRs, outR)
	m.dones = append(m.dones, done)
	m.closed = false

	go func() {
		defer close(done)
		defer outW.Close()
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if _, err := outW.Write(line); err != nil {
				return
			}
		}
	}()

	return inW, outR, nil
}

func (m *echoMCPClient) Wait() error {
	m.mu.Lock()
	dones := make([]chan struct{}, len(m.dones))
	copy(dones, m.dones)
	m.mu.Unlock()
	for _, done := range dones {
		<-done
	}
	return nil
}

func (m *echoMCPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	m.closed = true
	for _, w := range m.stdinWs {
		_ = w.Close()
	}
	for _, r := range m.stdoutRs {
		_ = r.Close()
	}
	return nil
}

func (m *echoMCPClient) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *echoMCPClient) starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

// Compile-time check.
var _ outbound.MCPClient = (*echoMCPClient)(nil)

// --- Test Helpers ---

func testManagerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mgrMockUpstreamStore implements upstream.UpstreamStore for manager tests.
type mgrMockUpstreamStore struct {
	mu        sync.RWMutex
	upstreams map[string]*upstream.Upstream
}

func newMgrMockUpstreamStore() *mgrMockUpstreamStore {
	return &mgrMockUpstreamStore{
		upstreams: make(map[string]*upstream.Upstream),
	}
}

func (s *mgrMockUpstreamStore) List(_ context.Context) ([]upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]upstream.Upstream, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		result = append(result, *u)
	}
	return result, nil
}

func (s *mgrMockUpstreamStore) Get(_ context.Context, id string) (*upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.upstreams[id]
	if !ok {
		return nil, upstream.ErrUpstreamNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *mgrMockUpstreamStore) Add(_ context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreams[u.ID] = u
	return nil
}

func (s *mgrMockUpstreamStore) Update(_ context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upstreams[u.ID]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	s.upstreams[u.ID] = u
	return nil
}

func (s *mgrMockUpstreamStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upstreams[id]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	delete(s.upstreams, id)
	return nil
}

func testPoolConfig(maxSize int64) pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxSize = maxSize
	return cfg
}

// testManagerEnv creates a manager with mocked dependencies.
// Returns the manager and a map of upstream IDs to their mock clients.
// Caller is responsible for calling mgr.Close() to prevent goroutine leaks.
func testManagerEnv(t *testing.T, maxSize int64, upstreams ...*upstream.Upstream) (*UpstreamManager, map[string]*echoMCPClient) {
	t.Helper()

	store := newMgrMockUpstreamStore()
	for _, u := range upstreams {
		_ = store.Add(context.Background(), u)
	}

	logger := testManagerLogger()
	svc := NewUpstreamService(store, nil, logger) // stateStore nil: we don't persist in manager tests

	mockClients := make(map[string]*echoMCPClient)
	var clientsMu sync.Mutex

	factory := func(u *upstream.Upstream) (outbound.MCPClient, error) {
		clientsMu.Lock()
		defer clientsMu.Unlock()
		// Reuse the per-upstream mock so tests can count spawns.
		if mc, ok := mockClients[u.ID]; ok {
			return mc, nil
		}
		mc := newEchoMCPClient()
		mockClients[u.ID] = mc
		return mc, nil
	}

	mgr := NewUpstreamManager(svc, factory, testPoolConfig(maxSize), logger)

	return mgr, mockClients
}

func stdioUpstream(id, name string) *upstream.Upstream {
	return &upstream.Upstream{
		ID:      id,
		Name:    name,
		Type:    upstream.UpstreamTypeStdio,
		Enabled: true,
		Command: "/usr/bin/cat",
	}
}

// --- StartAll Tests ---

func TestUpstreamManager_StartAll_RegistersEnabledUpstreams(t *testing.T) {
	u1 := stdioUpstream("up-1", "server-1")
	u2 := stdioUpstream("up-2", "server-2")
	u3 := stdioUpstream("up-3", "disabled-server")
	u3.Enabled = false

	mgr, clients := testManagerEnv(t, 1, u1, u2, u3)
	// Close BEFORE goleak checks (LIFO order of defers)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()

	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() unexpected error: %v", err)
	}

	s1, _ := mgr.Status("up-1")
	if s1 != upstream.StatusConnected {
		t.Errorf("upstream up-1 status = %q, want %q", s1, upstream.StatusConnected)
	}
	s2, _ := mgr.Status("up-2")
	if s2 != upstream.StatusConnected {
		t.Errorf("upstream up-2 status = %q, want %q", s2, upstream.StatusConnected)
	}
	s3, _ := mgr.Status("up-3")
	if s3 != upstream.StatusDisconnected {
		t.Errorf("disabled upstream up-3 status = %q, want %q", s3, upstream.StatusDisconnected)
	}

	// Registration is lazy: no child spawns until the first acquire.
	for id, mc := range clients {
		if mc.starts() != 0 {
			t.Errorf("upstream %s spawned %d children before first acquire, want 0", id, mc.starts())
		}
	}
}

func TestUpstreamManager_StartAll_EmptyUpstreams(t *testing.T) {
	mgr, _ := testManagerEnv(t, 1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() with no upstreams should not error: %v", err)
	}
}

// --- Start Tests ---

func TestUpstreamManager_Start_NotFound(t *testing.T) {
	mgr, _ := testManagerEnv(t, 1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Start(context.Background(), "nonexistent"); err == nil {
		t.Fatal("Start() nonexistent should return error")
	}
}

// --- RoundTrip / pool reuse Tests ---

func TestUpstreamManager_RoundTrip_Echo(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")
	mgr, _ := testManagerEnv(t, 1, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	req := []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)
	resp, err := mgr.RoundTrip(ctx, "up-1", req)
	if err != nil {
		t.Fatalf("RoundTrip() unexpected error: %v", err)
	}
	if string(resp) != string(req) {
		t.Errorf("RoundTrip() = %q, want echo of %q", resp, req)
	}
}

func TestUpstreamManager_RoundTrip_ReusesSingleChild(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")
	mgr, clients := testManagerEnv(t, 1, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	// 100 sequential requests against a max_connections=1 pool must be
	// served by exactly one spawned child.
	for i := 0; i < 100; i++ {
		if _, err := mgr.RoundTrip(ctx, "up-1", []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)); err != nil {
			t.Fatalf("RoundTrip() #%d: %v", i, err)
		}
	}

	if got := clients["up-1"].starts(); got != 1 {
		t.Errorf("child spawn count = %d, want 1 (connection reuse)", got)
	}
	active, available, ok := mgr.PoolStats("up-1")
	if !ok {
		t.Fatal("PoolStats() upstream not found")
	}
	if active != 0 {
		t.Errorf("active leases at rest = %d, want 0", active)
	}
	if available != 1 {
		t.Errorf("available permits at rest = %d, want 1", available)
	}
}

func TestUpstreamManager_RoundTrip_NotManaged(t *testing.T) {
	mgr, _ := testManagerEnv(t, 1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	_, err := mgr.RoundTrip(context.Background(), "nonexistent", []byte(`{}`))
	if !errors.Is(err, ErrUpstreamNotManaged) {
		t.Fatalf("RoundTrip() error = %v, want ErrUpstreamNotManaged", err)
	}
}

func TestUpstreamManager_RoundTrip_SpawnFailure(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")

	store := newMgrMockUpstreamStore()
	_ = store.Add(context.Background(), u)
	logger := testManagerLogger()
	svc := NewUpstreamService(store, nil, logger)

	factory := func(u *upstream.Upstream) (outbound.MCPClient, error) {
		mc := newEchoMCPClient()
		mc.startErr = errors.New("connection refused")
		return mc, nil
	}

	mgr := NewUpstreamManager(svc, factory, testPoolConfig(1), logger)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start() should register the pool even if dialing will fail: %v", err)
	}

	if _, err := mgr.RoundTrip(ctx, "up-1", []byte(`{}`)); err == nil {
		t.Fatal("RoundTrip() should surface the spawn failure")
	}

	// The failed acquire must return its permit.
	active, available, _ := mgr.PoolStats("up-1")
	if active != 0 || available != 1 {
		t.Errorf("pool accounting after failed spawn: active=%d available=%d, want 0/1", active, available)
	}
}

// --- Lease Tests ---

func TestUpstreamManager_Acquire_MarkBrokenDiscardsConnection(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")
	mgr, clients := testManagerEnv(t, 1, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	lease, err := mgr.Acquire(ctx, "up-1")
	if err != nil {
		t.Fatalf("Acquire(): %v", err)
	}
	lease.MarkBroken()
	lease.Release()

	// The next acquire must spawn a fresh child rather than reuse the
	// broken connection.
	lease2, err := mgr.Acquire(ctx, "up-1")
	if err != nil {
		t.Fatalf("Acquire() after broken release: %v", err)
	}
	lease2.Release()

	if got := clients["up-1"].starts(); got != 2 {
		t.Errorf("spawn count = %d, want 2 (broken connection discarded)", got)
	}
}

// --- Stop / Restart Tests ---

func TestUpstreamManager_Stop_TerminatesChildren(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")
	mgr, clients := testManagerEnv(t, 1, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	if _, err := mgr.RoundTrip(ctx, "up-1", []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)); err != nil {
		t.Fatalf("RoundTrip(): %v", err)
	}

	if err := mgr.Stop("up-1"); err != nil {
		t.Fatalf("Stop() unexpected error: %v", err)
	}

	status, _ := mgr.Status("up-1")
	if status != upstream.StatusDisconnected {
		t.Errorf("Status() after Stop() = %q, want %q", status, upstream.StatusDisconnected)
	}
	if !clients["up-1"].isClosed() {
		t.Error("Stop() should have closed the pooled child")
	}
}

func TestUpstreamManager_Stop_NotManaged(t *testing.T) {
	mgr, _ := testManagerEnv(t, 1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Stop("nonexistent"); !errors.Is(err, ErrUpstreamNotManaged) {
		t.Fatalf("Stop() error = %v, want ErrUpstreamNotManaged", err)
	}
}

func TestUpstreamManager_Restart_FreshPool(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")
	mgr, _ := testManagerEnv(t, 1, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	if err := mgr.Restart(ctx, "up-1"); err != nil {
		t.Fatalf("Restart() unexpected error: %v", err)
	}

	status, _ := mgr.Status("up-1")
	if status != upstream.StatusConnected {
		t.Errorf("Status() after Restart() = %q, want %q", status, upstream.StatusConnected)
	}
}

// --- Status Tests ---

func TestUpstreamManager_Status_NotManaged(t *testing.T) {
	mgr, _ := testManagerEnv(t, 1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	status, _ := mgr.Status("nonexistent")
	if status != upstream.StatusDisconnected {
		t.Errorf("Status() unmanaged = %q, want %q", status, upstream.StatusDisconnected)
	}
}

// --- AllConnected Tests ---

func TestUpstreamManager_AllConnected(t *testing.T) {
	u1 := stdioUpstream("up-1", "server-1")
	mgr, _ := testManagerEnv(t, 1, u1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if mgr.AllConnected() {
		t.Error("AllConnected() = true before Start, want false")
	}

	if err := mgr.Start(context.Background(), "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	if !mgr.AllConnected() {
		t.Error("AllConnected() = false after Start, want true")
	}
}

// --- StatusAll Tests ---

func TestUpstreamManager_StatusAll(t *testing.T) {
	u1 := stdioUpstream("up-1", "server-1")
	u2 := stdioUpstream("up-2", "server-2")

	mgr, _ := testManagerEnv(t, 1, u1, u2)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Start(context.Background(), "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	statuses := mgr.StatusAll()
	if len(statuses) != 1 {
		t.Fatalf("StatusAll() returned %d entries, want 1", len(statuses))
	}
	if statuses["up-1"] != upstream.StatusConnected {
		t.Errorf("StatusAll()[up-1] = %q, want %q", statuses["up-1"], upstream.StatusConnected)
	}
}

// --- Concurrency Tests ---

func TestUpstreamManager_ConcurrentRoundTrips_BoundedByPermits(t *testing.T) {
	u := stdioUpstream("up-1", "server-1")
	mgr, clients := testManagerEnv(t, 4, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.Start(ctx, "up-1"); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.RoundTrip(ctx, "up-1", []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d concurrent roundtrips failed", failures.Load())
	}
	// testManagerEnv reuses one mock client per upstream; with a shared
	// mock, each pool connection calls Start once on it, bounded by the
	// permit count.
	if got := clients["up-1"].starts(); got > 4 {
		t.Errorf("spawn count = %d, want <= pool max of 4", got)
	}
}

// --- Close Tests ---

func TestUpstreamManager_Close_StopsAllUpstreams(t *testing.T) {
	u1 := stdioUpstream("up-1", "server-1")
	u2 := stdioUpstream("up-2", "server-2")

	mgr, clients := testManagerEnv(t, 1, u1, u2)
	defer goleak.VerifyNone(t)

	ctx := context.Background()

	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll(): %v", err)
	}
	for _, id := range []string{"up-1", "up-2"} {
		if _, err := mgr.RoundTrip(ctx, id, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)); err != nil {
			t.Fatalf("RoundTrip(%s): %v", id, err)
		}
	}

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}

	for id, mc := range clients {
		if !mc.isClosed() {
			t.Errorf("client for %s should be closed after Close()", id)
		}
	}

	if mgr.AllConnected() {
		t.Error("AllConnected() after Close() = true, want false")
	}
}
