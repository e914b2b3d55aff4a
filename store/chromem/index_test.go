package chromem

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memlake-ai/memlake-go/core"
	"github.com/memlake-ai/memlake-go/encoder/mock"
)

func TestAddAndQuery(t *testing.T) {
	ix, err := New(zerolog.Nop())
	require.NoError(t, err)
	emb := mock.New()
	ctx := context.Background()

	weather := &core.MemoryRecord{
		Topic: "weather plans", Date: "2026-08-27", Timestamp: "09:00:00",
		ConversationDetails: "User asked about the weekend weather before a trip.",
	}
	stocks := &core.MemoryRecord{
		Topic: "stock check", Date: "2026-08-27", Timestamp: "10:00:00",
		ConversationDetails: "User reviewed their stock portfolio performance.",
	}
	for _, rec := range []*core.MemoryRecord{weather, stocks} {
		embedding, err := emb.Embed(ctx, rec.ConversationDetails)
		require.NoError(t, err)
		require.NoError(t, ix.Add(ctx, rec, embedding))
	}

	// The mock embedder is deterministic, so embedding the same text again
	// must find its own record with maximal similarity.
	query, err := emb.Embed(ctx, weather.ConversationDetails)
	require.NoError(t, err)
	hits, err := ix.Query(ctx, query, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, weather.ID(), hits[0].ID)
	assert.Equal(t, "weather plans", hits[0].Topic)
	assert.InDelta(t, 1.0, float64(hits[0].Similarity), 1e-4)
}

func TestQueryEmptyIndex(t *testing.T) {
	ix, err := New(zerolog.Nop())
	require.NoError(t, err)

	query, err := mock.New().Embed(context.Background(), "anything")
	require.NoError(t, err)
	hits, err := ix.Query(context.Background(), query, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddRejectsEmptyEmbedding(t *testing.T) {
	ix, err := New(zerolog.Nop())
	require.NoError(t, err)

	rec := &core.MemoryRecord{Topic: "x", Date: "2026-01-01", Timestamp: "09:00:00"}
	assert.Error(t, ix.Add(context.Background(), rec, nil))
}

func TestRebuild(t *testing.T) {
	ix, err := New(zerolog.Nop())
	require.NoError(t, err)
	emb := mock.New()
	ctx := context.Background()

	records := []*core.MemoryRecord{
		{Topic: "a", Date: "2026-01-01", Timestamp: "09:00:00", ConversationDetails: "first conversation"},
		{Topic: "b", Date: "2026-01-02", Timestamp: "09:00:00", ConversationDetails: "second conversation"},
	}
	require.NoError(t, ix.Rebuild(ctx, records, emb.Embed))

	query, err := emb.Embed(ctx, "second conversation")
	require.NoError(t, err)
	hits, err := ix.Query(ctx, query, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, records[1].ID(), hits[0].ID)
}
