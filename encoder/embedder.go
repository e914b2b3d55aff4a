package encoder

import "context"

// Embedder produces dense embeddings for the optional vector-index retrieval
// path. Unlike Encoder, implementations may call external runtimes and can
// fail; the lake treats embedder errors as "index unavailable" and falls back
// to term-frequency scoring.
type Embedder interface {
	// Embed converts text to a fixed-size embedding vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
