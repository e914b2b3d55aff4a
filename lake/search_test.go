package lake

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memlake-ai/memlake-go/core"
	"github.com/memlake-ai/memlake-go/encoder/mock"
	chromemidx "github.com/memlake-ai/memlake-go/store/chromem"
)

func TestSearchEmptyQuery(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.records = append(l.records, &core.MemoryRecord{
		Topic: "weather plans", Date: "2026-08-27", Timestamp: "09:00:00",
		Keywords: []string{"weather"},
	})

	assert.Nil(t, l.SearchRelevantMemories("", ""))
	assert.Nil(t, l.SearchRelevantMemories("   ", ""))
}

func TestSearchKeywordFallbackCJK(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	// No vectors and an empty vocabulary: the whole search runs on the
	// keyword path. The CJK query is a single undelimited run containing
	// both stored keywords.
	rec := &core.MemoryRecord{
		Topic:     "关于天气的对话",
		Date:      "2025-01-10",
		Timestamp: "10:00:00",
		Keywords:  []string{"天气", "北京"},
	}
	l.records = append(l.records, rec)

	results := l.SearchRelevantMemories("北京天气", "")
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID(), results[0].ID())

	score := keywordScore(rec, "北京天气", time.Now())
	assert.GreaterOrEqual(t, score, 0.3)
}

func TestSearchDetailsThresholdQualifies(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.enc.UpdateVocab("alpha beta gamma delta")

	// Crafted so the topic barely matches but the details clearly do: the
	// combined score stays under its threshold while the details
	// similarity alone crosses its own.
	rec := &core.MemoryRecord{
		Topic:         "barely related",
		Date:          "2026-08-01",
		Timestamp:     "09:00:00",
		TopicVector:   []float64{1, 10, 0, 0},
		DetailsVector: []float64{1, 2.68, 0, 0},
	}
	l.records = append(l.records, rec)

	query := l.enc.Encode("alpha")
	require.NotNil(t, query)
	topicSim := l.enc.Similarity(query, rec.TopicVector)
	detailsSim := l.enc.Similarity(query, rec.DetailsVector)
	combined := l.cfg.TopicWeight*topicSim + l.cfg.DetailsWeight*detailsSim
	require.Less(t, combined, l.cfg.CombinedThreshold, "scenario precondition")
	require.Greater(t, detailsSim, l.cfg.DetailsThreshold, "scenario precondition")

	results := l.SearchRelevantMemories("alpha", "")
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID(), results[0].ID())
}

func TestSearchCombinedBelowBothThresholdsExcluded(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.enc.UpdateVocab("alpha beta gamma delta")

	l.records = append(l.records, &core.MemoryRecord{
		Topic:         "unrelated",
		Date:          "2026-08-01",
		Timestamp:     "09:00:00",
		TopicVector:   []float64{0, 1, 0, 0},
		DetailsVector: []float64{0, 1, 0, 0},
	})

	// Orthogonal vectors, no keyword overlap: nothing qualifies on either
	// path.
	assert.Empty(t, l.SearchRelevantMemories("alpha", ""))
}

func TestSearchVectorRankingOrder(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.enc.UpdateVocab("alpha beta gamma delta")

	strong := &core.MemoryRecord{
		Topic: "strong", Date: "2026-08-01", Timestamp: "09:00:00",
		TopicVector:   []float64{1, 0, 0, 0},
		DetailsVector: []float64{1, 0, 0, 0},
	}
	weaker := &core.MemoryRecord{
		Topic: "weaker", Date: "2026-08-02", Timestamp: "09:00:00",
		TopicVector:   []float64{1, 1, 0, 0},
		DetailsVector: []float64{1, 1, 0, 0},
	}
	l.records = append(l.records, weaker, strong)

	results := l.SearchRelevantMemories("alpha", "")
	require.Len(t, results, 2)
	assert.Equal(t, "strong", results[0].Topic)
	assert.Equal(t, "weaker", results[1].Topic)
}

func TestSearchVectorlessRecordRankedAtHalfWeight(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.enc.UpdateVocab("weather alpha")

	vectorless := &core.MemoryRecord{
		Topic: "weather chat", Date: "2026-08-01", Timestamp: "09:00:00",
		Keywords: []string{"weather"},
	}
	vectorized := &core.MemoryRecord{
		Topic: "vectorized", Date: "2026-08-02", Timestamp: "09:00:00",
		TopicVector:   []float64{1, 0},
		DetailsVector: []float64{1, 0},
	}
	l.records = append(l.records, vectorless, vectorized)

	// "weather alpha" encodes (vector path active) and both records
	// qualify: one by similarity, one by keyword score at half weight.
	results := l.SearchRelevantMemories("weather alpha", "")
	require.Len(t, results, 2)
	assert.Equal(t, "vectorized", results[0].Topic, "full-weight vector score outranks half-weight keyword score")
	assert.Equal(t, "weather chat", results[1].Topic)
}

func TestSearchResultCap(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	for i := 0; i < 7; i++ {
		l.records = append(l.records, &core.MemoryRecord{
			Topic:     fmt.Sprintf("weather day %d", i),
			Date:      fmt.Sprintf("2026-07-%02d", i+1),
			Timestamp: "09:00:00",
			Keywords:  []string{"weather"},
		})
	}

	results := l.SearchRelevantMemories("weather", "")
	assert.Len(t, results, 5)
}

func TestSearchRecencyTieBreak(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	older := &core.MemoryRecord{
		Topic: "weather old", Date: "2024-01-01", Timestamp: "09:00:00",
		Keywords: []string{"weather"},
	}
	newer := &core.MemoryRecord{
		Topic: "weather new", Date: "2024-02-01", Timestamp: "09:00:00",
		Keywords: []string{"weather"},
	}
	l.records = append(l.records, older, newer)

	// Both score identically (same keyword hit, both far outside the
	// recency bonus windows), so recency decides.
	results := l.SearchRelevantMemories("weather", "")
	require.Len(t, results, 2)
	assert.Equal(t, "weather new", results[0].Topic)
}

func TestKeywordScoreRecencyBonus(t *testing.T) {
	now := time.Now()
	fresh := &core.MemoryRecord{Keywords: []string{"weather"}}
	fresh.Stamp(now.Add(-24 * time.Hour))
	stale := &core.MemoryRecord{Keywords: []string{"weather"}}
	stale.Stamp(now.Add(-20 * 24 * time.Hour))
	ancient := &core.MemoryRecord{Keywords: []string{"weather"}}
	ancient.Stamp(now.Add(-90 * 24 * time.Hour))

	assert.InDelta(t, 0.6, keywordScore(fresh, "weather", now), 1e-9)
	assert.InDelta(t, 0.5, keywordScore(stale, "weather", now), 1e-9)
	assert.InDelta(t, 0.4, keywordScore(ancient, "weather", now), 1e-9)
}

func TestKeywordScoreClamped(t *testing.T) {
	now := time.Now()
	rec := &core.MemoryRecord{
		Topic:    "weather travel plans",
		Keywords: []string{"weather", "travel", "plans"},
	}
	rec.Stamp(now.Add(-time.Hour))

	assert.Equal(t, 1.0, keywordScore(rec, "weather travel plans", now))
}

func TestSearchWithVectorIndex(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	ctx := context.Background()

	// The record has no TF vectors and no keywords, so neither the vector
	// pass nor keyword scoring can find it; only the embedding index can.
	rec := &core.MemoryRecord{
		Topic: "unrelated", Date: "2024-01-01", Timestamp: "09:00:00",
		ConversationDetails: "the quick brown fox",
	}
	l.records = append(l.records, rec)
	l.enc.UpdateVocab("the quick brown fox")

	ix, err := chromemidx.New(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.AttachVectorIndex(ctx, ix, mock.New()))

	// The mock embedder only matches identical text, which is exactly what
	// this asserts: the index hit comes through even though the TF pass
	// found nothing.
	results := l.SearchRelevantMemories("the quick brown fox", "")
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID(), results[0].ID())
}

func TestShouldRecallMemory(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	assert.True(t, l.ShouldRecallMemory("do you remember my birthday?"))
	assert.True(t, l.ShouldRecallMemory("what did we discuss last time"))
	assert.True(t, l.ShouldRecallMemory("你还记得之前说的话吗"))
	assert.False(t, l.ShouldRecallMemory("what's 2+2"))
	assert.False(t, l.ShouldRecallMemory(""))
}

func TestGenerateMemoryContext(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	assert.Empty(t, l.GenerateMemoryContext(nil, "weather"))

	records := []*core.MemoryRecord{
		{Topic: "weather plans", Date: "2026-08-27", Timestamp: "09:15:00"},
		{Topic: "project deadline", Date: "2026-08-26", Timestamp: "14:30:00"},
	}
	got := l.GenerateMemoryContext(records, "weather")
	assert.Contains(t, got, `"weather"`)
	assert.Contains(t, got, "- [2026-08-27 09:15:00] weather plans")
	assert.Contains(t, got, "- [2026-08-26 14:30:00] project deadline")
}
