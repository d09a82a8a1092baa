package resilience

import (
	"github.com/go-i2p/kvpool/lib/metrics"
)

// Breaker metrics
var (
	// BreakerState is the state of the most recently changed breaker
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = metrics.NewGauge(
		"kvpool_breaker_state",
		"Current state of the store breaker (0=closed, 1=open, 2=half-open)",
	)
	// BreakerTrips counts transitions to open.
	BreakerTrips = metrics.NewCounter(
		"kvpool_breaker_trips_total",
		"Total number of times the store breaker opened",
	)
	// BreakerRejections counts calls refused while open.
	BreakerRejections = metrics.NewCounter(
		"kvpool_breaker_rejections_total",
		"Total dials rejected by an open store breaker",
	)
)
