package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/kvpool/lib/errors"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrPoolDraining is returned by Acquire once Drain has been called.
	ErrPoolDraining = apperrors.ErrPoolDraining
	// ErrTimeout is returned when acquiring a connection times out.
	ErrTimeout = apperrors.ErrAcquireTimeout
	// ErrNotBorrowed is returned by Release and Destroy for a connection this
	// pool has not lent out.
	ErrNotBorrowed = apperrors.ErrNotBorrowed
)

// Connection represents a poolable connection. Connections are tracked by
// identity, so implementations are usually pointers.
type Connection interface {
	comparable
	// Close closes the connection.
	Close() error
}

// Factory creates new connections.
type Factory[C Connection] func(ctx context.Context) (C, error)

// HealthChecker reports whether a connection is still usable.
// It must return promptly; the pool does not bound it.
type HealthChecker[C Connection] func(ctx context.Context, conn C) bool

// Config configures the connection pool.
type Config struct {
	// MaxSize is the maximum number of connections in the pool.
	// Default: 10
	MaxSize int
	// MinSize is the number of connections the pool keeps open in the background.
	// Default: 0
	MinSize int
	// MaxIdleTime is how long an idle connection can stay in the pool.
	// Zero keeps idle connections forever.
	MaxIdleTime time.Duration
	// AcquireTimeout bounds Acquire when the context has no deadline.
	// Default: 30 seconds
	AcquireTimeout time.Duration
	// ValidateOnBorrow runs the health checker on an idle connection before handing it out.
	ValidateOnBorrow bool
	// HealthCheckInterval is how often idle connections are re-validated.
	// Set to 0 to disable periodic health checks.
	HealthCheckInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          10,
		MinSize:          0,
		AcquireTimeout:   30 * time.Second,
		ValidateOnBorrow: true,
	}
}

// pooledConn wraps a connection with metadata.
type pooledConn[C Connection] struct {
	conn     C
	lastUsed time.Time
}

// Pool is a bounded connection pool. A connection is handed to at most one
// borrower at a time.
type Pool[C Connection] struct {
	factory    Factory[C]
	check      HealthChecker[C]
	config     Config
	mu         sync.Mutex
	cond       *sync.Cond
	idle       []*pooledConn[C]
	borrowed   map[C]struct{}
	numOpen    int
	closed     bool
	draining   bool
	stopHealth chan struct{}
	healthDone chan struct{}

	acquireCount   uint64
	acquireSuccess uint64
	acquireFailed  uint64
	releaseCount   uint64
	destroyCount   uint64
	healthFails    uint64
}

// New creates a new connection pool. check may be nil, in which case no
// validation is performed.
func New[C Connection](factory Factory[C], check HealthChecker[C], cfg Config) *Pool[C] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	p := &Pool[C]{
		factory:    factory,
		check:      check,
		config:     cfg,
		idle:       make([]*pooledConn[C], 0, cfg.MaxSize),
		borrowed:   make(map[C]struct{}, cfg.MaxSize),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.HealthCheckInterval > 0 && check != nil {
		go p.healthCheckLoop()
	} else {
		close(p.healthDone)
	}

	p.mu.Lock()
	p.fillLocked()
	p.mu.Unlock()

	log.WithField("maxSize", cfg.MaxSize).WithField("minSize", cfg.MinSize).Debug("pool created")
	return p
}

// Acquire gets a connection from the pool.
// It blocks until a connection is available or the context is canceled.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	atomic.AddUint64(&p.acquireCount, 1)
	PoolAcquireTotal.Inc()
	start := time.Now()
	defer func() { PoolAcquireLatency.ObserveSince(start) }()

	acquireCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := p.acceptingLocked(); err != nil {
			p.failAcquire()
			return zero, err
		}

		select {
		case <-acquireCtx.Done():
			p.failAcquire()
			if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
				return zero, ErrTimeout
			}
			return zero, acquireCtx.Err()
		default:
		}

		if pc, ok := p.popIdleLocked(); ok {
			if !p.config.ValidateOnBorrow || p.check == nil {
				p.lendLocked(pc.conn)
				log.Debug("acquired idle connection from pool")
				return pc.conn, nil
			}

			// The connection stays counted in numOpen while it is checked
			// outside the lock, so no other borrower can receive it.
			p.mu.Unlock()
			healthy := p.check(acquireCtx, pc.conn)
			p.mu.Lock()

			if !healthy {
				atomic.AddUint64(&p.healthFails, 1)
				PoolHealthCheckFailsTotal.Inc()
				log.Debug("closing connection that failed validation")
				p.discardLocked(pc.conn)
				continue
			}
			if err := p.acceptingLocked(); err != nil {
				p.parkLocked(pc.conn)
				p.failAcquire()
				return zero, err
			}
			p.lendLocked(pc.conn)
			log.Debug("acquired validated idle connection from pool")
			return pc.conn, nil
		}

		if p.numOpen < p.config.MaxSize {
			p.numOpen++
			p.mu.Unlock()

			conn, err := p.factory(acquireCtx)
			p.mu.Lock()
			if err != nil {
				p.numOpen--
				p.cond.Broadcast()
				p.failAcquire()
				log.WithError(err).Debug("failed to create new connection")
				return zero, err
			}
			if aerr := p.acceptingLocked(); aerr != nil {
				p.parkLocked(conn)
				p.failAcquire()
				return zero, aerr
			}

			p.lendLocked(conn)
			log.Debug("created new connection")
			return conn, nil
		}

		log.Debug("waiting for available connection")
		p.waitWithContext(acquireCtx)
	}
}

// lendLocked records conn as borrowed.
func (p *Pool[C]) lendLocked(conn C) {
	p.borrowed[conn] = struct{}{}
	atomic.AddUint64(&p.acquireSuccess, 1)
	PoolAcquireSuccessTotal.Inc()
}

func (p *Pool[C]) failAcquire() {
	atomic.AddUint64(&p.acquireFailed, 1)
	PoolAcquireFailedTotal.Inc()
}

// acceptingLocked reports why the pool refuses new borrows, if it does.
func (p *Pool[C]) acceptingLocked() error {
	if p.closed {
		return ErrPoolClosed
	}
	if p.draining {
		return ErrPoolDraining
	}
	return nil
}

// popIdleLocked takes the most recently used idle connection (caller must hold lock).
// Connections idle longer than MaxIdleTime are closed on the way.
func (p *Pool[C]) popIdleLocked() (*pooledConn[C], bool) {
	now := time.Now()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.config.MaxIdleTime > 0 && now.Sub(pc.lastUsed) > p.config.MaxIdleTime {
			log.Debug("closing stale connection")
			p.discardLocked(pc.conn)
			continue
		}
		return pc, true
	}
	return nil, false
}

// putIdleLocked parks an open connection and wakes waiters.
func (p *Pool[C]) putIdleLocked(conn C) {
	p.idle = append(p.idle, &pooledConn[C]{conn: conn, lastUsed: time.Now()})
	p.cond.Broadcast()
}

// parkLocked returns an unborrowed connection to the idle list, or closes it
// if the pool was closed meanwhile.
func (p *Pool[C]) parkLocked(conn C) {
	if p.closed {
		p.numOpen--
		go closeConn(conn)
		p.cond.Broadcast()
		return
	}
	p.putIdleLocked(conn)
}

// discardLocked forgets an open connection, closes it asynchronously and
// tops the pool back up to MinSize.
func (p *Pool[C]) discardLocked(conn C) {
	p.numOpen--
	atomic.AddUint64(&p.destroyCount, 1)
	PoolDestroyTotal.Inc()
	go closeConn(conn)
	p.cond.Broadcast()
	p.fillLocked()
}

func closeConn[C Connection](conn C) {
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("error closing pooled connection")
	}
}

// waitWithContext waits for a condition signal or context cancellation.
func (p *Pool[C]) waitWithContext(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
}

// Lent reports whether conn is currently borrowed from this pool.
func (p *Pool[C]) Lent(conn C) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.borrowed[conn]
	return ok
}

// returnLocked ends a borrow. A connection the pool did not lend, or one
// already returned, is left alone.
func (p *Pool[C]) returnLocked(conn C, op string) error {
	if _, ok := p.borrowed[conn]; !ok {
		PoolForeignReturnsTotal.Inc()
		log.WithField("op", op).Warn("ignoring connection not borrowed from this pool")
		return ErrNotBorrowed
	}
	delete(p.borrowed, conn)
	return nil
}

// Release returns a borrowed connection to the pool.
// If the pool is closed, the connection is closed instead.
func (p *Pool[C]) Release(conn C) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.returnLocked(conn, "release"); err != nil {
		return err
	}
	atomic.AddUint64(&p.releaseCount, 1)
	PoolReleaseTotal.Inc()

	if p.closed {
		log.Debug("pool closed, closing connection")
		p.numOpen--
		go closeConn(conn)
		p.cond.Broadcast()
		return nil
	}

	p.putIdleLocked(conn)
	log.Debug("connection released to pool")
	return nil
}

// Destroy removes a borrowed connection from the pool permanently and closes it.
// Use this when a connection is known to be bad. A connection the pool did not
// lend is neither counted nor closed.
func (p *Pool[C]) Destroy(conn C) error {
	p.mu.Lock()
	if err := p.returnLocked(conn, "destroy"); err != nil {
		p.mu.Unlock()
		return err
	}
	p.numOpen--
	atomic.AddUint64(&p.destroyCount, 1)
	PoolDestroyTotal.Inc()
	p.cond.Broadcast()
	p.fillLocked()
	p.mu.Unlock()

	log.Debug("destroying bad connection")
	closeConn(conn)
	return nil
}

// Drain stops the pool from handing out connections and waits until every
// borrowed connection has been released or destroyed. The pool stays in the
// draining state if ctx expires first, so Drain can be retried.
func (p *Pool[C]) Drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.draining = true
	p.cond.Broadcast()

	for p.numOpen > len(p.idle) {
		if err := ctx.Err(); err != nil {
			log.WithField("inUse", p.numOpen-len(p.idle)).Debug("drain interrupted")
			return err
		}
		p.waitWithContext(ctx)
	}
	log.Debug("pool drained")
	return nil
}

// Clear closes every idle connection and waits for the closes to finish.
func (p *Pool[C]) Clear() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = make([]*pooledConn[C], 0, p.config.MaxSize)
	p.numOpen -= len(idle)
	p.cond.Broadcast()
	p.mu.Unlock()

	var errs []error
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(idle) > 0 {
		log.WithField("closed", len(idle)).Debug("cleared idle connections")
	}
	return errors.Join(errs...)
}

// Close closes the pool and all idle connections. Connections still borrowed
// are closed when they are released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	p.closed = true
	close(p.stopHealth)

	for _, pc := range p.idle {
		p.numOpen--
		go closeConn(pc.conn)
	}
	p.idle = nil

	p.cond.Broadcast()
	p.mu.Unlock()

	<-p.healthDone

	log.Debug("pool closed")
	return nil
}

// fillLocked starts background creation of connections until MinSize are open.
func (p *Pool[C]) fillLocked() {
	if p.closed || p.draining {
		return
	}
	for p.numOpen < p.config.MinSize {
		p.numOpen++
		go p.createIdle()
	}
}

func (p *Pool[C]) createIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
	defer cancel()

	conn, err := p.factory(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.numOpen--
		p.cond.Broadcast()
		log.WithError(err).Warn("failed to create minimum pool connection")
		return
	}
	p.parkLocked(conn)
}

// healthCheckLoop periodically checks idle connections.
func (p *Pool[C]) healthCheckLoop() {
	defer close(p.healthDone)

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.runHealthCheck()
		}
	}
}

// runHealthCheck removes unhealthy idle connections. Checks run outside the
// lock; connections under check count as open but not idle.
func (p *Pool[C]) runHealthCheck() {
	p.mu.Lock()
	if p.closed || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	candidates := p.idle
	p.idle = make([]*pooledConn[C], 0, p.config.MaxSize)
	p.mu.Unlock()

	ctx := context.Background()
	healthy := make([]*pooledConn[C], 0, len(candidates))
	var bad []C
	now := time.Now()
	for _, pc := range candidates {
		if p.config.MaxIdleTime > 0 && now.Sub(pc.lastUsed) > p.config.MaxIdleTime {
			bad = append(bad, pc.conn)
			continue
		}
		if !p.check(ctx, pc.conn) {
			atomic.AddUint64(&p.healthFails, 1)
			PoolHealthCheckFailsTotal.Inc()
			bad = append(bad, pc.conn)
			continue
		}
		healthy = append(healthy, pc)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		for _, pc := range healthy {
			bad = append(bad, pc.conn)
		}
		healthy = nil
	}
	p.idle = append(p.idle, healthy...)
	for _, conn := range bad {
		p.discardLocked(conn)
	}
	p.cond.Broadcast()

	if len(bad) > 0 {
		log.WithField("closed", len(bad)).Debug("health check removed connections")
	}
}

// Stats holds pool statistics.
type Stats struct {
	// MaxSize is the maximum pool size.
	MaxSize int
	// MinSize is the number of connections kept open in the background.
	MinSize int
	// NumOpen is the current number of open connections, including ones being created.
	NumOpen int
	// NumIdle is the current number of idle connections.
	NumIdle int
	// NumInUse is the number of connections currently borrowed.
	NumInUse int
	// Draining is true once Drain has been called.
	Draining bool
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// DestroyCount is the number of connections removed permanently.
	DestroyCount uint64
	// HealthCheckFails is the number of connections that failed health checks.
	HealthCheckFails uint64
}

// Stats returns current pool statistics.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:          p.config.MaxSize,
		MinSize:          p.config.MinSize,
		NumOpen:          p.numOpen,
		NumIdle:          len(p.idle),
		NumInUse:         len(p.borrowed),
		Draining:         p.draining,
		AcquireCount:     atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:   atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:    atomic.LoadUint64(&p.acquireFailed),
		ReleaseCount:     atomic.LoadUint64(&p.releaseCount),
		DestroyCount:     atomic.LoadUint64(&p.destroyCount),
		HealthCheckFails: atomic.LoadUint64(&p.healthFails),
	}
}
