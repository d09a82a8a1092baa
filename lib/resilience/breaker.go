// Package resilience stops hammering a store endpoint that keeps refusing
// connections.
//
// A Breaker counts consecutive failures. Once FailureThreshold is reached it
// opens and rejects calls for Cooldown, then lets up to MaxHalfOpenRequests
// trial calls through. SuccessThreshold trial successes close it again; any
// trial failure reopens it.
//
//	closed -> open -> half-open -> closed
//	           ^          |
//	           +----------+ (trial failed)
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of trial successes that closes it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	// MaxHalfOpenRequests bounds concurrent trial calls.
	MaxHalfOpenRequests int
}

// DefaultConfig returns the settings used for store dials.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Cooldown:            5 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// Breaker is a circuit breaker. The zero value is not usable; use New.
type Breaker struct {
	mu     sync.Mutex
	config Config
	name   string

	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	// now is swapped in tests
	now func() time.Time
}

// New creates a closed Breaker. Non-positive config fields take their defaults.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	return &Breaker{
		config: cfg,
		name:   name,
		now:    time.Now,
	}
}

// Name returns the breaker name used in logs.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledLocked() {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) cooledLocked() bool {
	return b.now().Sub(b.openedAt) >= b.config.Cooldown
}

// Allow reports whether a call may proceed. A true result from a half-open
// breaker reserves a trial slot that Success or Failure releases.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.cooledLocked() {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.trials = 1
		return true
	case StateHalfOpen:
		if b.trials < b.config.MaxHalfOpenRequests {
			b.trials++
			return true
		}
		return false
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trials--
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	switch next {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.trials = 0
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
		b.trials = 0
		BreakerTrips.Inc()
	case StateHalfOpen:
		b.successes = 0
		b.trials = 0
	}
	BreakerState.Set(int64(next))

	entry := log.WithField("breaker", b.name).
		WithField("from", prev.String()).
		WithField("to", next.String())
	if next == StateOpen {
		entry.WithField("cooldown", b.config.Cooldown).Warn("store breaker opened")
		return
	}
	entry.Info("store breaker state changed")
}

// Do runs fn if the breaker allows it and records the outcome. It returns
// ErrCircuitOpen without calling fn while the breaker is open. Errors caused
// by ctx ending are not counted as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		BreakerRejections.Inc()
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.Success()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release()
	default:
		b.Failure()
	}
	return err
}

// release gives back a trial slot without judging the call.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failures = 0
	b.openedAt = time.Time{}
}

// Stats is a snapshot of a Breaker.
type Stats struct {
	Name     string
	State    State
	Failures int
	OpenedAt time.Time
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:     b.name,
		State:    state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}
