// Package governor bounds total concurrent consumption of the two
// scarce resources shared by every in-flight request: database
// connections and outbound LLM/API calls. No component acquires
// either resource except through a Governor.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"policyrag/internal/config"
	"policyrag/internal/logging"
)

// =============================================================================
// RESOURCE GOVERNOR
// =============================================================================

// ErrResourceExhausted is returned when a pool or permit acquisition
// times out. Retryable by the caller with backoff.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrBackpressure is returned under the "reject" policy when no LLM
// permit is immediately available.
var ErrBackpressure = errors.New("backpressure: llm permits saturated")

// Dependency identifies an external dependency guarded by a circuit
// breaker.
type Dependency string

const (
	DepEmbedding  Dependency = "embedding"
	DepGeneration Dependency = "generation"
	DepWebSearch  Dependency = "websearch"
)

// ReleaseFunc returns a held permit. Safe to call more than once and
// safe to call on every exit path.
type ReleaseFunc func()

// Governor owns the DB connection permit pool, the LLM permit set,
// and one circuit breaker per external dependency. Process-wide
// singleton by convention: construct once at startup, inject
// everywhere.
type Governor struct {
	cfg config.GovernorConfig

	dbSlots chan struct{}
	llmSem  *semaphore.Weighted

	breakers map[Dependency]*CircuitBreaker

	// Metrics
	dbInUse            atomic.Int32
	dbWaiting          atomic.Int32
	llmInUse           atomic.Int32
	totalDBAcquires    atomic.Int64
	totalDBTimeouts    atomic.Int64
	totalLLMAcquires   atomic.Int64
	totalLLMRejections atomic.Int64
}

// New creates a Governor with breakers for every known dependency.
func New(cfg config.GovernorConfig) *Governor {
	g := &Governor{
		cfg:     cfg,
		dbSlots: make(chan struct{}, cfg.DBPoolSize),
		llmSem:  semaphore.NewWeighted(int64(cfg.LLMPermits)),
		breakers: map[Dependency]*CircuitBreaker{
			DepEmbedding:  NewCircuitBreaker(string(DepEmbedding), cfg.Breaker),
			DepGeneration: NewCircuitBreaker(string(DepGeneration), cfg.Breaker),
			DepWebSearch:  NewCircuitBreaker(string(DepWebSearch), cfg.Breaker),
		},
	}
	logging.Governor("initialized: db_pool=%d, llm_permits=%d, llm_policy=%s",
		cfg.DBPoolSize, cfg.LLMPermits, cfg.LLMPolicy)
	return g
}

// AcquireDB checks a connection permit out of the fixed-size pool.
// Blocks until a slot frees, the configured acquire timeout elapses,
// or ctx is done. Timeout and cancellation both surface as
// ErrResourceExhausted so callers have a single retryable signal.
func (g *Governor) AcquireDB(ctx context.Context) (ReleaseFunc, error) {
	g.dbWaiting.Add(1)
	defer g.dbWaiting.Add(-1)

	timer := time.NewTimer(g.cfg.DBAcquireTimeout.Std())
	defer timer.Stop()

	select {
	case g.dbSlots <- struct{}{}:
		g.dbInUse.Add(1)
		g.totalDBAcquires.Add(1)
		var once sync.Once
		return func() {
			once.Do(func() {
				<-g.dbSlots
				g.dbInUse.Add(-1)
			})
		}, nil
	case <-ctx.Done():
		g.totalDBTimeouts.Add(1)
		return nil, fmt.Errorf("db pool: %w: %v", ErrResourceExhausted, ctx.Err())
	case <-timer.C:
		g.totalDBTimeouts.Add(1)
		logging.Governor("db acquire timed out after %v (in_use=%d/%d, waiting=%d)",
			g.cfg.DBAcquireTimeout.Std(), g.dbInUse.Load(), g.cfg.DBPoolSize, g.dbWaiting.Load())
		return nil, fmt.Errorf("db pool: %w after %v", ErrResourceExhausted, g.cfg.DBAcquireTimeout.Std())
	}
}

// AcquireLLM takes one permit from the LLM in-flight ceiling. Under
// the "wait" policy the call blocks up to the acquire timeout; under
// "reject" it fails fast with ErrBackpressure when saturated.
func (g *Governor) AcquireLLM(ctx context.Context) (ReleaseFunc, error) {
	if g.cfg.LLMPolicy == "reject" {
		if !g.llmSem.TryAcquire(1) {
			g.totalLLMRejections.Add(1)
			return nil, fmt.Errorf("llm permits: %w", ErrBackpressure)
		}
		return g.llmRelease(), nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, g.cfg.LLMAcquireTimeout.Std())
	defer cancel()

	if err := g.llmSem.Acquire(acquireCtx, 1); err != nil {
		g.totalLLMRejections.Add(1)
		return nil, fmt.Errorf("llm permits: %w: %v", ErrResourceExhausted, err)
	}
	return g.llmRelease(), nil
}

func (g *Governor) llmRelease() ReleaseFunc {
	g.llmInUse.Add(1)
	g.totalLLMAcquires.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.llmSem.Release(1)
			g.llmInUse.Add(-1)
		})
	}
}

// Breaker returns the circuit breaker guarding the given dependency.
func (g *Governor) Breaker(dep Dependency) *CircuitBreaker {
	return g.breakers[dep]
}

// =============================================================================
// HEALTH / METRICS
// =============================================================================

// Health is a point-in-time snapshot for the surrounding service's
// health endpoint.
type Health struct {
	Ready bool `json:"ready"`

	DBInUse    int `json:"db_in_use"`
	DBPoolSize int `json:"db_pool_size"`
	DBWaiting  int `json:"db_waiting"`

	LLMInUse   int `json:"llm_in_use"`
	LLMPermits int `json:"llm_permits"`

	Breakers map[string]BreakerSnapshot `json:"breakers"`
}

// Health reports pool saturation and breaker state. Ready is false
// while any breaker is open.
func (g *Governor) Health() Health {
	h := Health{
		Ready:      true,
		DBInUse:    int(g.dbInUse.Load()),
		DBPoolSize: g.cfg.DBPoolSize,
		DBWaiting:  int(g.dbWaiting.Load()),
		LLMInUse:   int(g.llmInUse.Load()),
		LLMPermits: g.cfg.LLMPermits,
		Breakers:   make(map[string]BreakerSnapshot, len(g.breakers)),
	}
	for dep, b := range g.breakers {
		snap := b.Snapshot()
		h.Breakers[string(dep)] = snap
		if snap.State == StateOpen.String() {
			h.Ready = false
		}
	}
	return h
}

// Metrics holds cumulative counters.
type Metrics struct {
	TotalDBAcquires    int64
	TotalDBTimeouts    int64
	TotalLLMAcquires   int64
	TotalLLMRejections int64
}

// Metrics returns cumulative acquisition counters.
func (g *Governor) Metrics() Metrics {
	return Metrics{
		TotalDBAcquires:    g.totalDBAcquires.Load(),
		TotalDBTimeouts:    g.totalDBTimeouts.Load(),
		TotalLLMAcquires:   g.totalLLMAcquires.Load(),
		TotalLLMRejections: g.totalLLMRejections.Load(),
	}
}

// String returns a human-readable summary.
func (m Metrics) String() string {
	return fmt.Sprintf("db_acquires=%d, db_timeouts=%d, llm_acquires=%d, llm_rejections=%d",
		m.TotalDBAcquires, m.TotalDBTimeouts, m.TotalLLMAcquires, m.TotalLLMRejections)
}
