// Package retrieval turns an embedded query into a ranked,
// budget-constrained set of document chunks scoped to one user.
package retrieval

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrRetrievalFailed is returned when the storage query itself fails.
// Not retried inline; the orchestrator degrades gracefully.
var ErrRetrievalFailed = errors.New("retrieval failed")

// Request describes one retrieval. Immutable once constructed;
// created per pipeline invocation.
type Request struct {
	UserID              uuid.UUID
	ReframedQuery       string
	Embedding           []float32
	SimilarityThreshold float64 // chunks below this never surface
	MaxChunks           int
	TokenBudget         int
}

// Validate rejects malformed requests before any resource is touched.
func (r Request) Validate() error {
	if r.UserID == uuid.Nil {
		return fmt.Errorf("user id is required")
	}
	if len(r.Embedding) == 0 {
		return fmt.Errorf("embedding vector is required")
	}
	if r.SimilarityThreshold <= 0 || r.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0,1], got %v", r.SimilarityThreshold)
	}
	if r.MaxChunks <= 0 {
		return fmt.Errorf("max chunks must be positive, got %d", r.MaxChunks)
	}
	if r.TokenBudget <= 0 {
		return fmt.Errorf("token budget must be positive, got %d", r.TokenBudget)
	}
	return nil
}

// Chunk is a read-only retrieved passage, ordered descending by
// SimilarityScore in every result set.
type Chunk struct {
	ChunkID         string
	DocumentID      string
	UserID          uuid.UUID
	Text            string
	SimilarityScore float64
	TokenCount      int
	Section         string
	DocumentTitle   string
}
