package governor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"policyrag/internal/config"
	"policyrag/internal/logging"
)

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================
//
// One breaker wraps each external dependency (embedding API, chat
// completion API, web search). After enough consecutive failures
// inside the rolling window the breaker opens and fails fast for a
// cooldown, then admits a few trial calls (half-open) before fully
// closing. A degraded dependency therefore cannot exhaust LLM permits
// on doomed calls.
//
// State is process-wide and mutated only via atomics/CAS; no lock is
// ever held across an I/O wait.

// ErrCircuitOpen is returned when a dependency is known-bad. The call
// fails fast without consuming a permit.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// CircuitBreaker guards one external dependency.
type CircuitBreaker struct {
	name             string
	failureThreshold int32
	window           time.Duration
	cooldown         time.Duration
	halfOpenProbes   int32

	state       atomic.Int32
	failures    atomic.Int32 // consecutive failures within the window
	windowStart atomic.Int64 // unix nanos
	openedAt    atomic.Int64 // unix nanos
	probes      atomic.Int32 // trial calls admitted while half-open

	totalOpens         atomic.Int64
	totalShortCircuits atomic.Int64
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, cfg config.BreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		name:             name,
		failureThreshold: int32(cfg.FailureThreshold),
		window:           cfg.Window.Std(),
		cooldown:         cfg.Cooldown.Std(),
		halfOpenProbes:   int32(cfg.HalfOpenProbes),
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 1
	}
	if b.halfOpenProbes < 1 {
		b.halfOpenProbes = 1
	}
	b.windowStart.Store(time.Now().UnixNano())
	return b
}

// Allow reports whether a call may proceed, transitioning open ->
// half-open once the cooldown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().UnixNano()-b.openedAt.Load() < b.cooldown.Nanoseconds() {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.probes.Store(0)
			logging.Breaker("%s: cooldown elapsed, half-open (probes=%d)", b.name, b.halfOpenProbes)
		}
		return b.tryProbe()
	case StateHalfOpen:
		return b.tryProbe()
	default:
		return false
	}
}

// tryProbe admits at most halfOpenProbes concurrent trial calls.
func (b *CircuitBreaker) tryProbe() bool {
	for {
		n := b.probes.Load()
		if n >= b.halfOpenProbes {
			return false
		}
		if b.probes.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// RecordSuccess notes a successful call. A half-open breaker closes.
func (b *CircuitBreaker) RecordSuccess() {
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		logging.Breaker("%s: probe succeeded, closed", b.name)
	}
	b.failures.Store(0)
}

// RecordFailure notes a failed call. A half-open breaker re-opens
// immediately; a closed breaker opens once consecutive failures within
// the window reach the threshold.
func (b *CircuitBreaker) RecordFailure() {
	now := time.Now().UnixNano()

	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.openedAt.Store(now)
		b.totalOpens.Add(1)
		logging.Breaker("%s: probe failed, re-opened", b.name)
		return
	}

	// Reset the consecutive count when the window rolls over.
	ws := b.windowStart.Load()
	if now-ws > b.window.Nanoseconds() {
		if b.windowStart.CompareAndSwap(ws, now) {
			b.failures.Store(0)
		}
	}

	if b.failures.Add(1) >= b.failureThreshold {
		if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
			b.openedAt.Store(now)
			b.totalOpens.Add(1)
			logging.Breaker("%s: %d consecutive failures, opened for %v",
				b.name, b.failures.Load(), b.cooldown)
		}
	}
}

// Do runs fn under the breaker. An open breaker short-circuits with
// ErrCircuitOpen before any resource is consumed. Caller cancellation
// is not held against the dependency; timeouts and real errors are.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		b.totalShortCircuits.Add(1)
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		b.RecordNeutral()
	default:
		b.RecordFailure()
	}
	return err
}

// RecordNeutral notes a call that says nothing about dependency
// health (caller cancellation, local permit exhaustion). Returns the
// probe slot so neutral outcomes cannot wedge a half-open breaker.
func (b *CircuitBreaker) RecordNeutral() {
	if b.State() == StateHalfOpen {
		b.probes.Add(-1)
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() State {
	return State(b.state.Load())
}

// BreakerSnapshot is an exported view for health reporting.
type BreakerSnapshot struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalOpens          int64  `json:"total_opens"`
	TotalShortCircuits  int64  `json:"total_short_circuits"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		Name:                b.name,
		State:               b.State().String(),
		ConsecutiveFailures: int(b.failures.Load()),
		TotalOpens:          b.totalOpens.Load(),
		TotalShortCircuits:  b.totalShortCircuits.Load(),
	}
}
