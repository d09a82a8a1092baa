// Package partition manages one bounded connection pool per logical database
// ("partition") of a single store endpoint.
//
// Pools are created lazily on first use. Connections are returned to the pool
// of their home partition on release, after re-selecting that partition, so a
// borrower may SELECT freely without affecting the next one.
//
// # Basic Usage
//
//	cfg := config.DefaultConfig()
//	cfg.Store.URL = "redis://127.0.0.1:6379"
//
//	m, err := partition.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer m.Destroy(0)
//
//	conn, err := m.AcquirePartition(ctx, 2)
//	if err != nil {
//	    return err
//	}
//	defer m.Release(ctx, conn)
//
//	n, err := conn.DeleteMatching(ctx, "session:*")
package partition

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/kvpool/lib/config"
	apperrors "github.com/go-i2p/kvpool/lib/errors"
	"github.com/go-i2p/kvpool/lib/metrics"
	"github.com/go-i2p/kvpool/lib/pool"
	"github.com/go-i2p/kvpool/lib/resilience"
	"github.com/go-i2p/kvpool/lib/store"
)

// Manager hands out store connections from per-partition pools.
type Manager struct {
	cfg    *config.Config
	dialer *store.Dialer
	// shared by every partition since they all dial the same endpoint; nil when disabled
	breaker *resilience.Breaker

	mu    sync.Mutex
	pools map[int]*pool.Pool[*store.Conn]
}

// New creates a Manager. It fails with an error matching
// errors.ErrConfiguration if cfg is invalid; no connection is attempted.
func New(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		return nil, apperrors.ErrURLRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg: cfg,
		dialer: store.NewDialer(store.DialerConfig{
			URL:            cfg.Store.URL,
			ConnectTimeout: cfg.Store.ConnectTimeout,
			EnableTLS:      cfg.Store.EnableTLS,
		}),
		pools: make(map[int]*pool.Pool[*store.Conn]),
	}
	if cfg.Store.BreakerThreshold > 0 {
		m.breaker = resilience.New("store", resilience.Config{
			FailureThreshold: cfg.Store.BreakerThreshold,
			Cooldown:         cfg.Store.BreakerCooldown,
		})
	}

	log.WithField("default_partition", cfg.Store.DefaultPartition).
		WithField("max_size", cfg.Pool.MaxSize).
		WithField("min_size", cfg.Pool.MinSize).
		Debug("partition manager created")
	return m, nil
}

// Acquire borrows a connection bound to the configured default partition.
func (m *Manager) Acquire(ctx context.Context) (*store.Conn, error) {
	return m.AcquirePartition(ctx, m.cfg.Store.DefaultPartition)
}

// AcquirePartition borrows a connection bound to partition, creating the
// partition's pool and a connection as needed. It blocks while the pool is at
// its maximum size. Connection failures match errors.ErrConnection.
func (m *Manager) AcquirePartition(ctx context.Context, partition int) (*store.Conn, error) {
	if partition < 0 {
		return nil, apperrors.ErrNegativePartition
	}

	conn, err := m.pool(partition).Acquire(ctx)
	if err != nil {
		log.WithField("partition", partition).WithError(err).Debug("acquire failed")
		return nil, err
	}
	return conn, nil
}

// pool returns the pool for partition, creating it on first use.
func (m *Manager) pool(partition int) *pool.Pool[*store.Conn] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[partition]; ok {
		return p
	}

	factory := func(ctx context.Context) (*store.Conn, error) {
		return m.dial(ctx, partition)
	}
	p := pool.New(factory, store.Validate, pool.Config{
		MaxSize:             m.cfg.Pool.MaxSize,
		MinSize:             m.cfg.Pool.MinSize,
		MaxIdleTime:         m.cfg.Pool.MaxIdleTime,
		AcquireTimeout:      m.cfg.Pool.AcquireTimeout,
		ValidateOnBorrow:    m.cfg.Pool.ValidateOnBorrow,
		HealthCheckInterval: m.cfg.Pool.HealthCheckInterval,
	})
	m.pools[partition] = p
	metrics.PartitionsOpen.Inc()

	log.WithField("partition", partition).Debug("partition pool created")
	return p
}

// dial creates a connection for partition, going through the breaker when
// one is configured.
func (m *Manager) dial(ctx context.Context, partition int) (*store.Conn, error) {
	if m.breaker == nil {
		return m.dialer.Dial(ctx, partition)
	}
	var conn *store.Conn
	err := m.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = m.dialer.Dial(ctx, partition)
		return err
	})
	return conn, err
}

// lookup returns the registered pool for partition without creating one.
func (m *Manager) lookup(partition int) (*pool.Pool[*store.Conn], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[partition]
	return p, ok
}

// Release hands conn back to the pool of its home partition. A nil conn is
// ignored, and so is a connection this manager did not lend or that was
// already released. What happens depends on the connection status:
//
//   - closing or closed: the connection is removed from the pool.
//   - ready: the home partition is selected again and the connection is
//     returned; if the SELECT fails the connection is removed instead.
//   - anything else: nothing is done. The connection stays counted as
//     borrowed until it is released again in a ready or closed state.
func (m *Manager) Release(ctx context.Context, conn *store.Conn) {
	if conn == nil {
		return
	}

	p, ok := m.lookup(conn.Partition())
	if !ok {
		log.WithField("conn_id", conn.ID()).
			WithField("partition", conn.Partition()).
			Debug("release: no pool registered for partition")
		return
	}
	if !p.Lent(conn) {
		log.WithField("conn_id", conn.ID()).
			WithField("partition", conn.Partition()).
			Warn("release ignored: connection is not borrowed from this manager")
		return
	}

	switch status := conn.Status(); {
	case status.Terminal():
		if p.Destroy(conn) != nil {
			return
		}
		metrics.ReleaseDiscarded.Inc()
		log.WithField("conn_id", conn.ID()).
			WithField("partition", conn.Partition()).
			WithField("status", status).
			Debug("discarded closed connection")

	case status == store.StatusReady:
		if err := conn.Reselect(ctx); err != nil {
			if p.Destroy(conn) != nil {
				return
			}
			metrics.ReleaseDiscarded.Inc()
			log.WithField("conn_id", conn.ID()).
				WithField("partition", conn.Partition()).
				WithError(err).
				Warn("discarding connection that could not reselect its partition")
			return
		}
		if p.Release(conn) != nil {
			return
		}
		metrics.ReleaseReturned.Inc()

	default:
		metrics.ReleaseInert.Inc()
		log.WithField("conn_id", conn.ID()).
			WithField("partition", conn.Partition()).
			WithField("status", status).
			Warn("release ignored: connection is neither ready nor closed")
	}
}

// Destroy drains and clears every registered partition pool concurrently.
// Each partition gets timeout to drain; zero means the configured
// destroy timeout. Partitions that drain are removed. For each partition that
// does not, the returned error contains a *errors.ShutdownTimeoutError naming
// it and the pool stays registered, so Destroy can be retried once the
// outstanding connections are released.
func (m *Manager) Destroy(timeout time.Duration) error {
	return m.destroy(m.Partitions(), timeout)
}

// DestroyPartition is Destroy restricted to one partition. It returns nil if
// no pool is registered for partition.
func (m *Manager) DestroyPartition(partition int, timeout time.Duration) error {
	if partition < 0 {
		return apperrors.ErrNegativePartition
	}
	return m.destroy([]int{partition}, timeout)
}

func (m *Manager) destroy(partitions []int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.Pool.DestroyTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := make([]error, len(partitions))
	var g errgroup.Group
	for i, partition := range partitions {
		g.Go(func() error {
			errs[i] = m.destroyOne(ctx, partition, timeout)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Warn("destroy incomplete")
	} else {
		log.WithField("partitions", len(partitions)).Debug("partition pools destroyed")
	}
	return err
}

func (m *Manager) destroyOne(ctx context.Context, partition int, timeout time.Duration) error {
	p, ok := m.lookup(partition)
	if !ok {
		return nil
	}

	if err := p.Drain(ctx); err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			// destroyed concurrently
			return nil
		}
		metrics.DestroyTimeouts.Inc()
		stats := p.Stats()
		log.WithField("partition", partition).
			WithField("in_use", stats.NumInUse).
			WithField("timeout", timeout).
			Warn("partition pool did not drain before the deadline")
		return &apperrors.ShutdownTimeoutError{Partition: partition, Timeout: timeout}
	}

	if err := p.Clear(); err != nil {
		log.WithField("partition", partition).WithError(err).Warn("error closing idle connections")
	}
	_ = p.Close()

	m.mu.Lock()
	if m.pools[partition] == p {
		delete(m.pools, partition)
		metrics.PartitionsOpen.Dec()
	}
	m.mu.Unlock()

	log.WithField("partition", partition).Debug("partition pool destroyed")
	return nil
}

// Partitions returns the registered partition indices in ascending order.
func (m *Manager) Partitions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, 0, len(m.pools))
	for partition := range m.pools {
		out = append(out, partition)
	}
	sort.Ints(out)
	return out
}

// Stats returns a snapshot of every registered pool and publishes their sum
// to the pool gauges.
func (m *Manager) Stats() map[int]pool.Stats {
	m.mu.Lock()
	pools := make(map[int]*pool.Pool[*store.Conn], len(m.pools))
	for partition, p := range m.pools {
		pools[partition] = p
	}
	m.mu.Unlock()

	out := make(map[int]pool.Stats, len(pools))
	var sum pool.Stats
	for partition, p := range pools {
		s := p.Stats()
		out[partition] = s
		sum.MaxSize += s.MaxSize
		sum.NumOpen += s.NumOpen
		sum.NumIdle += s.NumIdle
		sum.NumInUse += s.NumInUse
	}
	pool.UpdateMetrics(sum)
	return out
}
