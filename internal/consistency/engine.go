// Package consistency generates multiple independent answer variants
// and measures their agreement. High agreement across variants is the
// signal that the answer is grounded in the retrieved context rather
// than sampled noise.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"policyrag/internal/config"
	"policyrag/internal/llm"
	"policyrag/internal/logging"
	"policyrag/internal/retrieval"
)

// ErrNoVariants means every generation attempt failed. The caller
// degrades to an error output; there is nothing to synthesize.
var ErrNoVariants = errors.New("no answer variants generated")

// =============================================================================
// TYPES
// =============================================================================

// Variant is one independently sampled answer.
type Variant struct {
	Index        int
	Text         string
	KeyPoints    []string
	UsedChunkIDs []string
}

// Result is the synthesized answer with its agreement evidence.
type Result struct {
	Answer          string
	KeyPoints       []string
	Score           float64 // mean pairwise agreement, 0 when fewer than 2 variants
	Confidence      float64
	VariantCount    int
	TerminatedEarly bool
}

// Engine runs the variant-generate / score / synthesize loop.
type Engine struct {
	client llm.Client
	cfg    config.ConsistencyConfig
}

// New creates an Engine. client should already be permit- and
// breaker-guarded; the engine only bounds its own fan-out.
func New(client llm.Client, cfg config.ConsistencyConfig) *Engine {
	return &Engine{client: client, cfg: cfg}
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Run generates between MinVariants and MaxVariants answers for the
// question over the given context chunks, stopping early once mean
// pairwise agreement reaches ConsistencyThreshold. Individual
// generation failures are tolerated; only a total failure returns
// ErrNoVariants.
func (e *Engine) Run(ctx context.Context, question string, chunks []retrieval.Chunk) (Result, error) {
	systemPrompt, userPrompt := buildPrompts(question, chunks)
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ChunkID
	}

	variants, lastErr := e.generateParallel(ctx, systemPrompt, userPrompt, chunkIDs)

	score := meanPairwiseScore(variants)
	terminatedEarly := false

	if len(variants) >= e.cfg.MinVariants && score >= e.cfg.ConsistencyThreshold {
		terminatedEarly = e.cfg.MinVariants < e.cfg.MaxVariants
	} else {
		// Escalate one variant at a time. Each new variant re-anchors
		// the agreement estimate.
		for next := e.cfg.MinVariants; next < e.cfg.MaxVariants; next++ {
			if ctx.Err() != nil {
				break
			}
			v, err := e.generate(ctx, systemPrompt, userPrompt, chunkIDs, next)
			if err != nil {
				lastErr = err
				logging.Consistency("variant %d failed: %v", next, err)
				continue
			}
			variants = append(variants, v)
			score = meanPairwiseScore(variants)
			if len(variants) >= e.cfg.MinVariants && score >= e.cfg.ConsistencyThreshold {
				terminatedEarly = next+1 < e.cfg.MaxVariants
				break
			}
		}
	}

	if len(variants) == 0 {
		if lastErr != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrNoVariants, lastErr)
		}
		return Result{}, ErrNoVariants
	}

	chosen := selectCentroid(variants)
	result := Result{
		Answer:          chosen.Text,
		KeyPoints:       majorityKeyPoints(variants, chosen),
		Score:           score,
		Confidence:      confidence(score, len(variants), e.cfg.MaxVariants),
		VariantCount:    len(variants),
		TerminatedEarly: terminatedEarly,
	}

	logging.Consistency("synthesized from %d variants: score=%.3f confidence=%.3f early=%v",
		result.VariantCount, result.Score, result.Confidence, result.TerminatedEarly)
	return result, nil
}

// generateParallel produces the first MinVariants variants with
// bounded fan-out. Failures are collected, not fatal.
func (e *Engine) generateParallel(ctx context.Context, systemPrompt, userPrompt string, chunkIDs []string) ([]Variant, error) {
	var (
		mu       sync.Mutex
		variants []Variant
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i := 0; i < e.cfg.MinVariants; i++ {
		i := i
		g.Go(func() error {
			v, err := e.generate(gctx, systemPrompt, userPrompt, chunkIDs, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				logging.Consistency("variant %d failed: %v", i, err)
				return nil
			}
			variants = append(variants, v)
			return nil
		})
	}
	_ = g.Wait()

	// Parallel completion order is arbitrary; restore generation order
	// so tie-breaks stay deterministic.
	sort.Slice(variants, func(a, b int) bool { return variants[a].Index < variants[b].Index })
	return variants, lastErr
}

func (e *Engine) generate(ctx context.Context, systemPrompt, userPrompt string, chunkIDs []string, index int) (Variant, error) {
	raw, err := e.client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Variant{}, err
	}
	text, points := parseVariant(raw)
	if strings.TrimSpace(text) == "" {
		return Variant{}, fmt.Errorf("variant %d: empty answer text", index)
	}
	return Variant{Index: index, Text: text, KeyPoints: points, UsedChunkIDs: chunkIDs}, nil
}

// =============================================================================
// CONFIDENCE
// =============================================================================

const (
	singleVariantBand = 0.3  // one variant carries no agreement evidence
	confidenceFloor   = 0.05 // any successful synthesis beats zero
)

// confidence maps the agreement score and variant count to [floor, 1].
// More variants at the same score mean stronger evidence.
func confidence(score float64, count, maxVariants int) float64 {
	if count <= 1 {
		return singleVariantBand
	}
	c := score * (0.6 + 0.4*float64(count)/float64(maxVariants))
	if c < confidenceFloor {
		c = confidenceFloor
	}
	if c > 1 {
		c = 1
	}
	return c
}
