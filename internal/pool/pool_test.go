package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeConn struct {
	id     int
	closed int32
}

func (f *fakeConn) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func newCountingFactory() (Factory[*fakeConn], *int32) {
	var n int32
	return func(ctx context.Context) (*fakeConn, error) {
		id := atomic.AddInt32(&n, 1)
		return &fakeConn{id: int(id)}, nil
	}, &n
}

func TestPool_ConservationAtQuiescence(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 3, AcquireTimeout: time.Second, MaintenanceInterval: 10 * time.Millisecond}, factory, nil)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	var leases []*Lease[*fakeConn]
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		leases = append(leases, l)
	}

	if got := p.ActiveCount(); got != 3 {
		t.Fatalf("active_count = %d, want 3", got)
	}
	if got := p.AvailablePermits(); got != 0 {
		t.Fatalf("available_permits = %d, want 0", got)
	}

	for _, l := range leases {
		l.Release()
	}

	deadline := time.After(time.Second)
	for {
		if p.ActiveCount() == 0 && p.AvailablePermits() == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pool did not reach quiescence: active=%d available=%d", p.ActiveCount(), p.AvailablePermits())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPool_AcquireTimeoutWhenExhausted(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond}, factory, nil)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l.Release()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("second acquire error = %v, want ErrExhausted", err)
	}
}

func TestPool_NoLeakOnReturnChannelBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	// ReturnQueueSize=0 normalizes to MaxSize, so fill the return channel by
	// never letting the maintenance loop drain it: use a health check that
	// blocks briefly isn't needed here — instead size the queue to 1 and
	// release more than fit to force the backstop to fire at least once.
	p := New(Config{MaxSize: 4, AcquireTimeout: time.Second, ReturnQueueSize: 1, MaintenanceInterval: time.Hour}, factory, nil)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	var leases []*Lease[*fakeConn]
	for i := 0; i < 4; i++ {
		l, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		leases = append(leases, l)
	}

	var wg sync.WaitGroup
	for _, l := range leases {
		wg.Add(1)
		go func(l *Lease[*fakeConn]) {
			defer wg.Done()
			l.Release()
		}(l)
	}
	wg.Wait()

	deadline := time.After(time.Second)
	for {
		if p.ActiveCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("active_count did not drain to 0, got %d", p.ActiveCount())
		case <-time.After(time.Millisecond):
		}
	}
	if got := p.AvailablePermits(); got != 4 {
		t.Fatalf("available_permits = %d, want 4", got)
	}
}

func TestPool_IdleEvictionClosesOldConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 2, AcquireTimeout: time.Second, IdleTimeout: 20 * time.Millisecond, MaintenanceInterval: 10 * time.Millisecond}, factory, nil)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn := l.Conn
	l.Release()

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&conn.closed) != 1 {
		t.Fatalf("idle connection was not evicted and closed")
	}
}

func TestPool_UnhealthyIdleConnectionIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	healthy := int32(1)
	health := func(c *fakeConn) bool { return atomic.LoadInt32(&healthy) == 1 }

	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second, MaintenanceInterval: time.Hour}, factory, health)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	l1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	first := l1.Conn.id
	l1.Release()
	time.Sleep(10 * time.Millisecond) // let the maintenance loop re-idle it

	atomic.StoreInt32(&healthy, 0)

	l2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	defer l2.Release()

	if l2.Conn.id == first {
		t.Fatalf("expected a freshly constructed connection, got the discarded idle one")
	}
}

func TestPool_SinglePermitSerializesReuse(t *testing.T) {
	defer goleak.VerifyNone(t)

	var spawns int32
	factory := func(ctx context.Context) (*fakeConn, error) {
		atomic.AddInt32(&spawns, 1)
		return &fakeConn{}, nil
	}

	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second, MaintenanceInterval: time.Hour}, factory, nil)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		l, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got := p.ActiveCount(); got > 1 {
			t.Fatalf("active_count = %d exceeds max_size 1", got)
		}
		l.Release()
		// Give the maintenance loop a beat to re-idle before the next
		// acquire so this exercises connection reuse, not exhaustion.
		time.Sleep(time.Millisecond)
	}

	if atomic.LoadInt32(&spawns) != 1 {
		t.Fatalf("spawns = %d, want exactly 1 (S6 scenario)", spawns)
	}
}

func TestPool_CloseClosesIdleConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 2, AcquireTimeout: time.Second, MaintenanceInterval: time.Hour}, factory, nil)

	ctx := context.Background()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn := l.Conn
	l.Release()
	time.Sleep(10 * time.Millisecond)

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if atomic.LoadInt32(&conn.closed) != 1 {
		t.Fatalf("idle connection was not closed on pool shutdown")
	}
}

func TestPool_AcquireAfterCloseFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second}, factory, nil)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("acquire after close = %v, want ErrClosed", err)
	}
}

func TestPool_FactoryErrorReleasesPermit(t *testing.T) {
	defer goleak.VerifyNone(t)

	wantErr := errors.New("boom")
	factory := func(ctx context.Context) (*fakeConn, error) {
		return nil, wantErr
	}
	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second}, factory, nil)
	defer func() { _ = p.Close() }()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("acquire error = %v, want wrapped %v", err, wantErr)
	}
	if got := p.AvailablePermits(); got != 1 {
		t.Fatalf("available_permits after failed create = %d, want 1 (permit must be released)", got)
	}
}

func ExamplePool_leaseLifecycle() {
	factory := func(ctx context.Context) (*fakeConn, error) { return &fakeConn{}, nil }
	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second}, factory, nil)
	defer func() { _ = p.Close() }()

	l, err := p.Acquire(context.Background())
	if err != nil {
		fmt.Println(err)
		return
	}
	defer l.Release()
	fmt.Println("leased")
	// Output: leased
}
