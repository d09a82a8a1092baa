// Package metrics provides simple metrics collection for kvpool.
// Supports Prometheus exposition format for monitoring integration.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// desc names a metric and carries its HELP text.
type desc struct {
	name string
	help string
}

func (d desc) metricName() string { return d.name }

func (d desc) writeHeader(w io.Writer, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, kind)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter creates a counter and registers it with the default registry.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name: name, help: help}}
	defaultRegistry.register(c)
	return c
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current counter value.
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) writeTo(w io.Writer) {
	c.writeHeader(w, "counter")
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates a gauge and registers it with the default registry.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name: name, help: help}}
	defaultRegistry.register(g)
	return g
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds v to the gauge.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) writeTo(w io.Writer) {
	g.writeHeader(w, "gauge")
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// Histogram tracks the distribution of observed values over fixed upper
// bounds. Bucket counts are cumulative.
type Histogram struct {
	desc
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// NewHistogram creates a histogram with the given ascending bucket bounds and
// registers it with the default registry.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := newHistogram(name, help, buckets)
	defaultRegistry.register(h)
	return h
}

func newHistogram(name, help string, buckets []float64) *Histogram {
	return &Histogram{
		desc:    desc{name: name, help: help},
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i := len(h.buckets) - 1; i >= 0 && v <= h.buckets[i]; i-- {
		h.counts[i]++
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) writeTo(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.writeHeader(w, "histogram")
	for i, b := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n%s_count %d\n", h.name, h.sum, h.name, h.count)
}

type metric interface {
	metricName() string
	writeTo(w io.Writer)
}

// render returns a single metric in exposition format.
func render(m metric) string {
	var sb strings.Builder
	m.writeTo(&sb)
	return sb.String()
}

// Registry holds metrics by name. Registering a name twice replaces the
// earlier metric.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]metric)}
}

var defaultRegistry = NewRegistry()

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.metricName()] = m
}

// Encode writes every metric, sorted by name, in Prometheus text format.
func (r *Registry) Encode(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		r.metrics[name].writeTo(w)
		io.WriteString(w, "\n")
	}
}

// Expose returns all metrics in Prometheus exposition format.
func (r *Registry) Expose() string {
	var sb strings.Builder
	r.Encode(&sb)
	return sb.String()
}

// Handler returns an http.Handler that serves the default registry.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		defaultRegistry.Encode(w)
	})
}

// DefaultLatencyBuckets are histogram buckets in seconds suited to store round trips.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Process-wide metrics for kvpool. Pool and store packages declare their own.
var (
	// Uptime
	StartTime = NewGauge("kvpool_start_time_seconds", "Unix timestamp when the process started")

	// Partitions
	PartitionsOpen = NewGauge("kvpool_partitions_open", "Number of partition pools currently registered")

	// Release outcomes
	ReleaseReturned  = NewCounter("kvpool_release_returned_total", "Connections returned to their home partition pool")
	ReleaseDiscarded = NewCounter("kvpool_release_discarded_total", "Connections discarded on release")
	ReleaseInert     = NewCounter("kvpool_release_inert_total", "Connections released while neither ready nor closed")

	// Teardown
	DestroyTimeouts = NewCounter("kvpool_destroy_timeouts_total", "Partition pools that failed to drain before the deadline")

	// Reconnection
	ReconnectionAttempts  = NewCounter("kvpool_reconnection_attempts_total", "Total redial attempts after a connection failure")
	ReconnectionSuccesses = NewCounter("kvpool_reconnection_successes_total", "Total successful redials")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
