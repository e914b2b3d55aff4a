// Package chromem provides an embedded vector index over memory records,
// backed by chromem-go. It accelerates similarity search when an external
// embedder is available; the lake's own term-frequency scoring remains the
// fallback and does not require this package.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/memlake-ai/memlake-go/core"
)

const collectionName = "memories"

// Hit is a single similarity match from the index.
type Hit struct {
	ID         string
	Topic      string
	Similarity float32
}

// Index wraps a chromem-go collection keyed by record identity.
type Index struct {
	db  *chromem.DB
	log zerolog.Logger

	mu  sync.Mutex
	col *chromem.Collection
}

// New creates an empty in-memory index.
func New(logger zerolog.Logger) (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		db:  db,
		log: logger.With().Str("component", "vector-index").Logger(),
		col: col,
	}, nil
}

// Add indexes a record under its identity. Re-adding the same identity
// replaces the previous document.
func (ix *Index) Add(ctx context.Context, rec *core.MemoryRecord, embedding []float64) error {
	if len(embedding) == 0 {
		return fmt.Errorf("empty embedding for record %s", rec.ID())
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	doc := chromem.Document{
		ID:        rec.ID(),
		Content:   rec.ConversationDetails,
		Embedding: toFloat32(embedding),
		Metadata: map[string]string{
			"topic": rec.Topic,
			"date":  rec.Date,
		},
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query returns up to limit record identities ranked by cosine similarity to
// the query embedding. An empty index yields no hits, not an error.
func (ix *Index) Query(ctx context.Context, embedding []float64, limit int) ([]Hit, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	query := toFloat32(embedding)

	// chromem-go rejects nResults larger than the collection, so back off
	// until the query fits.
	var results []chromem.Result
	for n := limit; n >= 1; n-- {
		var err error
		results, err = ix.col.QueryEmbedding(ctx, query, n, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{
			ID:         res.ID,
			Topic:      res.Metadata["topic"],
			Similarity: res.Similarity,
		})
	}
	ix.log.Debug().Int("hits", len(hits)).Msg("vector query complete")
	return hits, nil
}

// Rebuild drops the collection and re-indexes the given records, embedding
// each record's details text through embed. Records whose embedding fails
// are skipped with a warning; the index is an accelerator and must not block
// startup.
func (ix *Index) Rebuild(ctx context.Context, records []*core.MemoryRecord, embed func(context.Context, string) ([]float64, error)) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	col, err := ix.db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	ix.col = col

	indexed := 0
	for _, rec := range records {
		embedding, err := embed(ctx, rec.ConversationDetails)
		if err != nil || len(embedding) == 0 {
			ix.log.Warn().Err(err).Str("id", rec.ID()).Msg("record not indexed")
			continue
		}
		doc := chromem.Document{
			ID:        rec.ID(),
			Content:   rec.ConversationDetails,
			Embedding: toFloat32(embedding),
			Metadata: map[string]string{
				"topic": rec.Topic,
				"date":  rec.Date,
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", rec.ID(), err)
		}
		indexed++
	}
	ix.log.Info().Int("indexed", indexed).Int("total", len(records)).Msg("vector index rebuilt")
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
