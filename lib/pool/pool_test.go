package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockConn is a mock connection for testing.
type mockConn struct {
	id     int
	closed bool
	mu     sync.Mutex
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockFactory creates mock connections.
func mockFactory(counter *int32) Factory[*mockConn] {
	return func(ctx context.Context) (*mockConn, error) {
		id := atomic.AddInt32(counter, 1)
		return &mockConn{id: int(id)}, nil
	}
}

// failingFactory returns errors.
func failingFactory() Factory[*mockConn] {
	return func(ctx context.Context) (*mockConn, error) {
		return nil, errors.New("connection failed")
	}
}

func testConfig(maxSize int) Config {
	cfg := DefaultConfig()
	cfg.MaxSize = maxSize
	cfg.ValidateOnBorrow = false
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolAcquireRelease(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(3))
	defer p.Close()

	conn1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if conn1 == nil {
		t.Fatal("Expected non-nil connection")
	}

	stats := p.Stats()
	if stats.NumOpen != 1 {
		t.Errorf("Expected 1 open, got %d", stats.NumOpen)
	}
	if stats.NumInUse != 1 {
		t.Errorf("Expected 1 in use, got %d", stats.NumInUse)
	}

	p.Release(conn1)

	stats = p.Stats()
	if stats.NumOpen != 1 {
		t.Errorf("Expected 1 open after release, got %d", stats.NumOpen)
	}
	if stats.NumIdle != 1 {
		t.Errorf("Expected 1 idle after release, got %d", stats.NumIdle)
	}
	if stats.NumInUse != 0 {
		t.Errorf("Expected 0 in use after release, got %d", stats.NumInUse)
	}

	conn2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if conn2 != conn1 {
		t.Error("Expected to get same connection from pool")
	}
}

func TestPoolMaxSize(t *testing.T) {
	var counter int32
	cfg := testConfig(2)
	cfg.AcquireTimeout = 100 * time.Millisecond

	p := New(mockFactory(&counter), nil, cfg)
	defer p.Close()

	conn1, _ := p.Acquire(context.Background())
	conn2, _ := p.Acquire(context.Background())

	if atomic.LoadInt32(&counter) != 2 {
		t.Errorf("Expected 2 connections created, got %d", counter)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}

	p.Release(conn1)

	conn3, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Third acquire after release failed: %v", err)
	}
	if conn3 != conn1 {
		t.Error("Expected to get released connection")
	}

	p.Release(conn2)
	p.Release(conn3)
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(1))
	defer p.Close()

	conn1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got := make(chan *mockConn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked acquire failed: %v", err)
		}
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("second acquire should block while the only connection is borrowed")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(conn1)

	select {
	case c := <-got:
		if c != conn1 {
			t.Error("Expected the released connection")
		}
	case <-time.After(time.Second):
		t.Fatal("second acquire did not resolve after release")
	}
}

func TestPoolFactoryError(t *testing.T) {
	p := New(failingFactory(), nil, testConfig(2))
	defer p.Close()

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Error("Expected error from factory, got nil")
	}

	stats := p.Stats()
	if stats.NumOpen != 0 {
		t.Errorf("Expected 0 open after failed create, got %d", stats.NumOpen)
	}
	if stats.AcquireFailed != 1 {
		t.Errorf("Expected 1 acquire failure, got %d", stats.AcquireFailed)
	}
}

func TestPoolClose(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(3))

	conn1, _ := p.Acquire(context.Background())
	conn2, _ := p.Acquire(context.Background())
	p.Release(conn1)
	p.Release(conn2)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	waitFor(t, "idle connections to close", func() bool {
		return conn1.IsClosed() && conn2.IsClosed()
	})

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	if err := p.Close(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed on double close, got %v", err)
	}
}

func TestPoolDestroy(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(2))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())

	if stats := p.Stats(); stats.NumOpen != 1 {
		t.Errorf("Expected 1 open, got %d", stats.NumOpen)
	}

	p.Destroy(conn)

	stats := p.Stats()
	if stats.NumOpen != 0 {
		t.Errorf("Expected 0 open after destroy, got %d", stats.NumOpen)
	}
	if stats.DestroyCount != 1 {
		t.Errorf("Expected DestroyCount 1, got %d", stats.DestroyCount)
	}
	if !conn.IsClosed() {
		t.Error("Destroyed connection should be closed")
	}
}

func TestPoolIdleTimeout(t *testing.T) {
	var counter int32
	cfg := testConfig(2)
	cfg.MaxIdleTime = 50 * time.Millisecond

	p := New(mockFactory(&counter), nil, cfg)
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	p.Release(conn)

	time.Sleep(100 * time.Millisecond)

	conn2, _ := p.Acquire(context.Background())
	if conn2 == conn {
		t.Error("Should get new connection after idle timeout")
	}

	waitFor(t, "stale connection to close", conn.IsClosed)
}

func TestPoolValidateOnBorrow(t *testing.T) {
	var counter int32
	var checks int32
	var mu sync.Mutex
	unhealthy := make(map[*mockConn]bool)

	check := func(ctx context.Context, c *mockConn) bool {
		atomic.AddInt32(&checks, 1)
		mu.Lock()
		defer mu.Unlock()
		return !unhealthy[c]
	}

	cfg := testConfig(2)
	cfg.ValidateOnBorrow = true
	p := New(mockFactory(&counter), check, cfg)
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	if atomic.LoadInt32(&checks) != 0 {
		t.Error("freshly created connections should not be validated")
	}

	mu.Lock()
	unhealthy[conn] = true
	mu.Unlock()
	p.Release(conn)

	conn2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if conn2 == conn {
		t.Error("Should not get unhealthy connection")
	}
	if atomic.LoadInt32(&checks) != 1 {
		t.Errorf("Expected 1 validation, got %d", checks)
	}

	waitFor(t, "unhealthy connection to close", conn.IsClosed)

	if stats := p.Stats(); stats.HealthCheckFails != 1 {
		t.Errorf("Expected 1 health check failure, got %d", stats.HealthCheckFails)
	}
}

func TestPoolValidateOnBorrowDisabled(t *testing.T) {
	var counter int32
	var checks int32
	check := func(ctx context.Context, c *mockConn) bool {
		atomic.AddInt32(&checks, 1)
		return false
	}

	p := New(mockFactory(&counter), check, testConfig(2))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	p.Release(conn)
	conn2, _ := p.Acquire(context.Background())

	if conn2 != conn {
		t.Error("Expected idle connection without validation")
	}
	if atomic.LoadInt32(&checks) != 0 {
		t.Errorf("Expected no validations, got %d", checks)
	}
}

func TestPoolDrain(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(2))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Drain(context.Background())
	}()

	waitFor(t, "pool to enter draining", func() bool { return p.Stats().Draining })

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolDraining) {
		t.Errorf("Expected ErrPoolDraining, got %v", err)
	}

	select {
	case err := <-done:
		t.Fatalf("Drain returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	p.Release(conn)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Drain failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not finish after release")
	}

	if err := p.Clear(); err != nil {
		t.Errorf("Clear failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("Clear should close idle connections")
	}
	if stats := p.Stats(); stats.NumOpen != 0 {
		t.Errorf("Expected 0 open after clear, got %d", stats.NumOpen)
	}
}

func TestPoolDrainTimeout(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(2))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := p.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	// A retried drain succeeds once the borrower gives the connection back.
	p.Release(conn)
	if err := p.Drain(context.Background()); err != nil {
		t.Errorf("Retried drain failed: %v", err)
	}
}

func TestPoolMinSize(t *testing.T) {
	var counter int32
	cfg := testConfig(4)
	cfg.MinSize = 2

	p := New(mockFactory(&counter), nil, cfg)
	defer p.Close()

	waitFor(t, "minimum connections", func() bool { return p.Stats().NumIdle == 2 })

	conn, _ := p.Acquire(context.Background())
	p.Destroy(conn)

	waitFor(t, "pool to refill", func() bool { return p.Stats().NumOpen == 2 })
	if atomic.LoadInt32(&counter) != 3 {
		t.Errorf("Expected 3 connections created, got %d", counter)
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(5))
	defer p.Close()

	var wg sync.WaitGroup
	var inUse, maxInUse int32
	numWorkers := 20
	opsPerWorker := 10

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerWorker; j++ {
				conn, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				n := atomic.AddInt32(&inUse, 1)
				for {
					m := atomic.LoadInt32(&maxInUse)
					if n <= m || atomic.CompareAndSwapInt32(&maxInUse, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inUse, -1)
				p.Release(conn)
			}
		}()
	}

	wg.Wait()

	if maxInUse > 5 {
		t.Errorf("Expected at most 5 concurrent borrows, got %d", maxInUse)
	}
	if atomic.LoadInt32(&counter) > 5 {
		t.Errorf("Expected at most 5 connections created, got %d", counter)
	}
	stats := p.Stats()
	if stats.NumInUse != 0 {
		t.Errorf("Expected 0 in use after all released, got %d", stats.NumInUse)
	}
	if stats.AcquireSuccess != uint64(numWorkers*opsPerWorker) {
		t.Errorf("Expected %d successful acquires, got %d", numWorkers*opsPerWorker, stats.AcquireSuccess)
	}
}

func TestPoolContextCancellation(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(1))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}

func TestPoolBackgroundHealthCheck(t *testing.T) {
	var counter int32
	var healthy atomic.Bool
	healthy.Store(true)

	cfg := testConfig(2)
	cfg.HealthCheckInterval = 20 * time.Millisecond
	check := func(ctx context.Context, c *mockConn) bool { return healthy.Load() }

	p := New(mockFactory(&counter), check, cfg)
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	p.Release(conn)

	healthy.Store(false)

	waitFor(t, "background health check to evict", func() bool {
		return p.Stats().NumOpen == 0
	})
	waitFor(t, "evicted connection to close", conn.IsClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxSize != 10 {
		t.Errorf("Expected MaxSize 10, got %d", cfg.MaxSize)
	}
	if cfg.MinSize != 0 {
		t.Errorf("Expected MinSize 0, got %d", cfg.MinSize)
	}
	if !cfg.ValidateOnBorrow {
		t.Error("Expected ValidateOnBorrow to default to true")
	}
	if cfg.AcquireTimeout != 30*time.Second {
		t.Errorf("Expected AcquireTimeout 30s, got %v", cfg.AcquireTimeout)
	}
}

func TestUpdateMetrics(t *testing.T) {
	UpdateMetrics(Stats{MaxSize: 10, NumOpen: 5, NumIdle: 3, NumInUse: 2})

	if PoolConnectionsTotal.Value() != 10 {
		t.Errorf("Expected max 10, got %d", PoolConnectionsTotal.Value())
	}
	if PoolConnectionsOpen.Value() != 5 {
		t.Errorf("Expected open 5, got %d", PoolConnectionsOpen.Value())
	}
	if PoolConnectionsIdle.Value() != 3 {
		t.Errorf("Expected idle 3, got %d", PoolConnectionsIdle.Value())
	}
	if PoolConnectionsInUse.Value() != 2 {
		t.Errorf("Expected in use 2, got %d", PoolConnectionsInUse.Value())
	}
}

func TestPoolReleaseTwiceDoesNotShare(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(1))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	if err := p.Release(conn); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Release(conn); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Expected ErrNotBorrowed on second release, got %v", err)
	}

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if b, err := p.Acquire(ctx); err == nil {
		t.Fatalf("Expected the second borrower to wait, got %p (first %p)", b, a)
	}

	stats := p.Stats()
	if stats.NumOpen != 1 || stats.NumIdle != 0 || stats.NumInUse != 1 {
		t.Errorf("Expected open=1 idle=0 inUse=1, got %d/%d/%d", stats.NumOpen, stats.NumIdle, stats.NumInUse)
	}
}

func TestPoolReleaseForeignConnection(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(2))
	defer p.Close()

	stranger := &mockConn{id: 99}
	if err := p.Release(stranger); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Expected ErrNotBorrowed, got %v", err)
	}
	if err := p.Destroy(stranger); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Expected ErrNotBorrowed from Destroy, got %v", err)
	}
	if stranger.IsClosed() {
		t.Error("A connection the pool did not lend should not be closed")
	}

	stats := p.Stats()
	if stats.NumOpen != 0 || stats.NumIdle != 0 || stats.DestroyCount != 0 || stats.ReleaseCount != 0 {
		t.Errorf("Expected untouched stats, got %+v", stats)
	}
}

func TestPoolDestroyAfterRelease(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(2))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	p.Release(conn)

	if err := p.Destroy(conn); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Expected ErrNotBorrowed, got %v", err)
	}
	if stats := p.Stats(); stats.NumOpen != 1 || stats.NumIdle != 1 {
		t.Errorf("Expected the idle connection to stay counted, got open=%d idle=%d", stats.NumOpen, stats.NumIdle)
	}
	if conn.IsClosed() {
		t.Error("Idle connection should not be closed")
	}
}

func TestPoolLent(t *testing.T) {
	var counter int32
	p := New(mockFactory(&counter), nil, testConfig(2))
	defer p.Close()

	conn, _ := p.Acquire(context.Background())
	if !p.Lent(conn) {
		t.Error("Expected borrowed connection to be lent")
	}
	p.Release(conn)
	if p.Lent(conn) {
		t.Error("Expected released connection not to be lent")
	}
}
