package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"policyrag/internal/config"
	"policyrag/internal/governor"
	"policyrag/internal/logging"
)

// =============================================================================
// RETRIEVAL TOOL
// =============================================================================

// Store is the nearest-neighbor search the tool runs against. Results
// must be scoped to userID and ordered descending by similarity.
type Store interface {
	Search(ctx context.Context, userID uuid.UUID, queryEmb []float32, limit int) ([]Chunk, error)
}

// Retriever executes vector-similarity queries under the governor's
// connection bound and enforces the per-request contract: threshold,
// chunk cap, token budget.
type Retriever struct {
	store Store
	gov   *governor.Governor
	cache *resultCache
}

// New creates a Retriever. The cache is optional: size 0 disables it.
func New(store Store, gov *governor.Governor, cfg config.RetrievalConfig) *Retriever {
	r := &Retriever{store: store, gov: gov}
	if cfg.CacheSize > 0 && cfg.CacheTTL.Std() > 0 {
		r.cache = newResultCache(cfg.CacheSize, cfg.CacheTTL.Std())
	}
	return r
}

// Retrieve returns the ranked chunk set for the request. Every
// returned chunk satisfies SimilarityScore >= req.SimilarityThreshold
// and belongs to req.UserID; at most req.MaxChunks chunks are
// returned and their cumulative TokenCount never exceeds
// req.TokenBudget (tail of the ranking is dropped first).
//
// An empty result is valid, not an error. Connection-acquisition
// timeouts surface as governor.ErrResourceExhausted; query errors as
// ErrRetrievalFailed.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retrieval request: %w", err)
	}

	var key string
	if r.cache != nil {
		key = cacheKey(req)
		if ranked, ok := r.cache.get(key); ok {
			logging.RetrievalDebug("cache hit user=%s", req.UserID)
			return applyTokenBudget(ranked, req.TokenBudget), nil
		}
	}

	release, err := r.gov.AcquireDB(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	candidates, err := r.store.Search(ctx, req.UserID, req.Embedding, req.MaxChunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	// Threshold filter. Candidates arrive ranked, so everything after
	// the first miss is below threshold too; filter defensively anyway.
	ranked := candidates[:0:0]
	for _, c := range candidates {
		if c.SimilarityScore >= req.SimilarityThreshold {
			ranked = append(ranked, c)
		}
	}

	if r.cache != nil {
		r.cache.set(key, ranked)
	}

	out := applyTokenBudget(ranked, req.TokenBudget)
	logging.Retrieval("user=%s: %d candidates -> %d above threshold %.2f -> %d within budget %d",
		req.UserID, len(candidates), len(ranked), req.SimilarityThreshold, len(out), req.TokenBudget)
	return out, nil
}

// applyTokenBudget keeps the longest rank-order prefix whose
// cumulative token count fits the budget.
func applyTokenBudget(ranked []Chunk, budget int) []Chunk {
	total := 0
	for i, c := range ranked {
		total += c.TokenCount
		if total > budget {
			return ranked[:i]
		}
	}
	return ranked
}
