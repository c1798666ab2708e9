package embedding

import (
	"context"
	"errors"
	"fmt"

	"policyrag/internal/governor"
)

// =============================================================================
// GOVERNED ENGINE
// =============================================================================

// GovernedEngine wraps an Engine with the governor's LLM permit and
// the embedding dependency's circuit breaker. Breaker before permit:
// a known-bad provider never consumes a concurrency slot.
type GovernedEngine struct {
	engine Engine
	gov    *governor.Governor
}

var _ Engine = (*GovernedEngine)(nil)

// NewGoverned wraps engine with permit and breaker enforcement.
func NewGoverned(engine Engine, gov *governor.Governor) *GovernedEngine {
	return &GovernedEngine{engine: engine, gov: gov}
}

func (e *GovernedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *GovernedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	br := e.gov.Breaker(governor.DepEmbedding)
	if !br.Allow() {
		return nil, fmt.Errorf("embedding: %w", governor.ErrCircuitOpen)
	}

	release, err := e.gov.AcquireLLM(ctx)
	if err != nil {
		br.RecordNeutral()
		return nil, err
	}
	defer release()

	out, err := e.engine.EmbedBatch(ctx, texts)
	switch {
	case err == nil:
		br.RecordSuccess()
	case errors.Is(err, context.Canceled):
		br.RecordNeutral()
	default:
		br.RecordFailure()
	}
	return out, err
}

func (e *GovernedEngine) Dimensions() int { return e.engine.Dimensions() }
func (e *GovernedEngine) Name() string    { return e.engine.Name() }
func (e *GovernedEngine) Close() error    { return e.engine.Close() }
