package pool

import "github.com/go-i2p/kvpool/lib/metrics"

// Pool utilization metrics
var (
	// PoolConnectionsTotal is the maximum pool size.
	PoolConnectionsTotal = metrics.NewGauge(
		"kvpool_pool_connections_max",
		"Maximum number of connections in the pool",
	)
	// PoolConnectionsOpen is the current number of open connections.
	PoolConnectionsOpen = metrics.NewGauge(
		"kvpool_pool_connections_open",
		"Current number of open connections",
	)
	// PoolConnectionsIdle is the current number of idle connections.
	PoolConnectionsIdle = metrics.NewGauge(
		"kvpool_pool_connections_idle",
		"Current number of idle connections in the pool",
	)
	// PoolConnectionsInUse is the number of connections currently in use.
	PoolConnectionsInUse = metrics.NewGauge(
		"kvpool_pool_connections_in_use",
		"Number of connections currently in use",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounter(
		"kvpool_pool_acquire_total",
		"Total number of connection acquire attempts",
	)
	// PoolAcquireSuccessTotal is the number of successful acquires.
	PoolAcquireSuccessTotal = metrics.NewCounter(
		"kvpool_pool_acquire_success_total",
		"Total number of successful connection acquires",
	)
	// PoolAcquireFailedTotal is the number of failed acquires.
	PoolAcquireFailedTotal = metrics.NewCounter(
		"kvpool_pool_acquire_failed_total",
		"Total number of failed connection acquires",
	)
	// PoolReleaseTotal is the number of releases.
	PoolReleaseTotal = metrics.NewCounter(
		"kvpool_pool_release_total",
		"Total number of connection releases",
	)
	// PoolDestroyTotal is the number of connections removed permanently.
	PoolDestroyTotal = metrics.NewCounter(
		"kvpool_pool_destroy_total",
		"Total number of connections destroyed instead of returned",
	)
	// PoolForeignReturnsTotal counts releases and destroys of connections the
	// pool had not lent out.
	PoolForeignReturnsTotal = metrics.NewCounter(
		"kvpool_pool_foreign_returns_total",
		"Total number of releases or destroys ignored because the connection was not borrowed",
	)
	// PoolHealthCheckFailsTotal is the number of health check failures.
	PoolHealthCheckFailsTotal = metrics.NewCounter(
		"kvpool_pool_healthcheck_fails_total",
		"Total number of connections that failed health checks",
	)
	// PoolAcquireLatency tracks time spent acquiring connections.
	PoolAcquireLatency = metrics.NewHistogram(
		"kvpool_pool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats. Callers owning several
// pools pass the sum of their stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsTotal.Set(int64(stats.MaxSize))
	PoolConnectionsOpen.Set(int64(stats.NumOpen))
	PoolConnectionsIdle.Set(int64(stats.NumIdle))
	PoolConnectionsInUse.Set(int64(stats.NumInUse))
}
