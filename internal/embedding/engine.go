// Package embedding provides the embedding engine used to vectorize
// reframed queries (and, at load time, document chunks).
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Engine generates embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name identifies the engine for logging.
	Name() string

	// Close releases any underlying resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity of two vectors,
// mapped into [0,1] (1 = identical direction).
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty vectors")
	}

	var dot, normA, normB float64
	for i := range a {
		af := float64(a[i])
		bf := float64(b[i])
		dot += af * bf
		normA += af * af
		normB += bf * bf
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp FP drift; anti-correlated vectors score 0.
	if cos > 1 {
		cos = 1
	} else if cos < 0 {
		cos = 0
	}
	return cos, nil
}
