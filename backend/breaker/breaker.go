// Package breaker implements per-dependency circuit breakers. A breaker
// short-circuits calls to a failing dependency and probes recovery with a
// bounded number of half-open calls.
package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zhilfond/domo/backend/observability"
)

var (
	// ErrCircuitOpen is returned without executing the call while the
	// circuit is open or half-open probe capacity is exhausted.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // Testing recovery
	StateOpen                  // Rejecting calls
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning knobs.
type Config struct {
	// FailureThreshold is the number of failures within Interval that trips
	// the breaker open.
	FailureThreshold int

	// Interval is the sliding window over which closed-state failures count.
	Interval time.Duration

	// OpenTimeout is the initial open duration. It doubles on every failed
	// recovery up to MaxOpenTimeout.
	OpenTimeout time.Duration

	// MaxOpenTimeout caps the exponential open-interval growth.
	MaxOpenTimeout time.Duration

	// HalfOpenMaxProbes bounds concurrent calls admitted while half-open.
	HalfOpenMaxProbes int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Interval:          60 * time.Second,
		OpenTimeout:       30 * time.Second,
		MaxOpenTimeout:    10 * time.Minute,
		HalfOpenMaxProbes: 3,
	}
}

// Breaker is a single named circuit breaker. State is process-local; each
// instance converges independently.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	lastFailure time.Time
	openUntil   time.Time
	openTimeout time.Duration // current open interval, grows while unhealthy
	probes      int           // in-flight half-open probes
	lastChange  time.Time

	totalCalls    uint64
	totalFailures uint64
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		name:        name,
		cfg:         cfg,
		state:       StateClosed,
		openTimeout: cfg.OpenTimeout,
		lastChange:  time.Now(),
	}
}

// Call executes fn through the breaker. Any non-nil error counts as a
// failure; use Do to supply a custom failure predicate.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	return b.Do(ctx, fn, func(err error) bool { return err != nil })
}

// Do executes fn through the breaker, classifying failures with isFailure.
// Context errors (timeouts, cancellation) always count as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error, isFailure func(error) bool) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	failed := err != nil && (isFailure(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
	b.settle(failed)
	return err
}

// admit decides whether a call may proceed, transitioning open -> half-open
// once the open interval has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.state == StateOpen {
		if time.Now().Before(b.openUntil) {
			observability.BreakerRejections.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 0
	}

	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMaxProbes {
			observability.BreakerRejections.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.probes++
	}

	return nil
}

// settle records the call outcome and drives the state machine.
func (b *Breaker) settle(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.totalFailures++
		b.lastFailure = time.Now()
	}

	switch b.state {
	case StateHalfOpen:
		b.probes--
		if failed {
			// Failed recovery: re-open with exponential growth
			b.openTimeout *= 2
			if b.openTimeout > b.cfg.MaxOpenTimeout {
				b.openTimeout = b.cfg.MaxOpenTimeout
			}
			b.openUntil = time.Now().Add(b.openTimeout)
			b.transition(StateOpen)
			return
		}
		// First probe success closes the circuit and resets counters
		b.failures = 0
		b.openTimeout = b.cfg.OpenTimeout
		b.transition(StateClosed)

	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		// Sliding interval: restart the failure count when the window lapses
		now := time.Now()
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Interval {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openUntil = now.Add(b.openTimeout)
			b.transition(StateOpen)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.lastChange = time.Now()
	log.Printf("[BREAKER:%s] -> %s", b.name, to)
	observability.BreakerState.WithLabelValues(b.name).Set(float64(to))
	observability.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}

// State returns the current state (thread-safe).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker for operator tooling.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	TotalCalls    uint64    `json:"total_calls"`
	TotalFailures uint64    `json:"total_failures"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	LastChange    time.Time `json:"last_state_change"`
	OpenUntil     time.Time `json:"open_until,omitempty"`
}

// Snapshot returns the breaker's current counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		LastFailure:   b.lastFailure,
		LastChange:    b.lastChange,
		OpenUntil:     b.openUntil,
	}
}
