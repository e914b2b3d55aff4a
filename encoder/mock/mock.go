// Package mock provides a deterministic hash-based embedder for tests. The
// same text always produces the same unit vector, so similarity assertions
// are reproducible without a model runtime.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

const defaultDimensions = 384

// Embedder generates pseudo-random embeddings seeded by a hash of the text.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the default dimensionality.
func New() *Embedder {
	return &Embedder{dimensions: defaultDimensions}
}

// Embed derives a unit vector from an FNV hash of the text, expanded through
// an LCG so every dimension differs.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	h := fnv.New64a()
	h.Write([]byte(text))

	vec := make([]float64, e.dimensions)
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed)) / float64(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
