// Package pool provides a generic bounded connection pool for managing
// reusable connections to an external store.
//
// The pool supports:
//   - Configurable maximum and minimum pool size
//   - Validate-on-borrow through a caller supplied health checker
//   - Draining: refuse new borrows and wait for outstanding ones
//   - Optional periodic re-validation of idle connections
//   - Metrics for pool utilization
//   - Context-aware acquisition with timeout support
//
// # Basic Usage
//
//	factory := func(ctx context.Context) (*myConn, error) {
//	    return dialMyConn(ctx, "localhost:6379")
//	}
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxSize = 10
//
//	p := pool.New(factory, nil, cfg)
//	defer p.Close()
//
//	conn, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(conn)
//
// A connection that turned out to be broken is handed back with Destroy
// instead of Release, which removes it from the pool permanently.
//
// # Shutdown
//
// Drain followed by Clear gives a bounded, graceful teardown:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := p.Drain(ctx); err != nil {
//	    return err // a borrower never released its connection
//	}
//	p.Clear()
//
// # Metrics
//
// Pool utilization metrics are registered with the metrics package:
//   - kvpool_pool_connections_max: Maximum pool size
//   - kvpool_pool_connections_open: Current open connections
//   - kvpool_pool_connections_idle: Current idle connections
//   - kvpool_pool_connections_in_use: Connections currently in use
//   - kvpool_pool_acquire_total: Total acquire attempts
//   - kvpool_pool_acquire_success_total: Successful acquires
//   - kvpool_pool_acquire_failed_total: Failed acquires
//   - kvpool_pool_release_total: Total releases
//   - kvpool_pool_destroy_total: Connections destroyed
//   - kvpool_pool_healthcheck_fails_total: Health check failures
package pool
