package lake

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memlake-ai/memlake-go/core"
	"github.com/memlake-ai/memlake-go/encoder"
)

// Keyword scoring weights. Empirically chosen; see Config for the
// qualification thresholds they feed.
const (
	keywordHitWeight = 0.4 // record keyword present in the query
	topicHitWeight   = 0.3 // query token present in the record topic
	recentWeekBonus  = 0.2 // record is at most 7 days old
	recentMonthBonus = 0.1 // record is at most 30 days old

	// vectorlessWeight discounts keyword scores when they compete against
	// vector scores in the same ranking pass.
	vectorlessWeight = 0.5
)

// scoredRecord carries a record through ranking with its relevance score and
// recency tie-break key.
type scoredRecord struct {
	rec   *core.MemoryRecord
	score float64
	when  time.Time
}

// SearchRelevantMemories ranks stored records against the user's input plus
// optional current-context text. The primary path scores vector similarity;
// records without vectors are keyword-scored at half weight in the same
// pass. When the query cannot be encoded, or vector ranking finds nothing,
// the whole search falls back to keyword scoring. A blank query returns
// nothing.
func (l *Lake) SearchRelevantMemories(userInput, currentContext string) []*core.MemoryRecord {
	if strings.TrimSpace(userInput) == "" {
		return nil
	}

	query := userInput
	if currentContext != "" {
		query += " " + currentContext
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	queryVec := l.queryVectorLocked(query)
	if queryVec == nil {
		return l.keywordSearchLocked(query)
	}

	now := time.Now()
	var hits []scoredRecord
	for _, rec := range l.records {
		var score float64
		if len(rec.TopicVector) > 0 {
			topicSim := l.enc.Similarity(queryVec, rec.TopicVector)
			detailsSim := 0.0
			if len(rec.DetailsVector) > 0 {
				detailsSim = l.enc.Similarity(queryVec, rec.DetailsVector)
			}
			combined := l.cfg.TopicWeight*topicSim + l.cfg.DetailsWeight*detailsSim
			if combined <= l.cfg.CombinedThreshold && detailsSim <= l.cfg.DetailsThreshold {
				continue
			}
			score = combined
		} else {
			kw := keywordScore(rec, query, now)
			if kw <= l.cfg.KeywordThreshold {
				continue
			}
			score = kw * vectorlessWeight
		}
		hits = append(hits, scoredRecord{rec: rec, score: score, when: rec.Time()})
	}

	hits = l.mergeIndexHitsLocked(query, hits)

	if len(hits) == 0 {
		return l.keywordSearchLocked(query)
	}
	return l.rankLocked(hits)
}

// mergeIndexHitsLocked folds embedding-index matches into the candidate set
// when a vector index is attached. Index similarity competes on the same
// scale as the combined score; records already qualified by the term
// frequency pass keep their existing score.
func (l *Lake) mergeIndexHitsLocked(query string, hits []scoredRecord) []scoredRecord {
	if l.vindex == nil {
		return hits
	}

	ctx := context.Background()
	embedding, err := l.embedder.Embed(ctx, query)
	if err != nil {
		l.log.Debug().Err(err).Msg("query embedding failed, index skipped")
		return hits
	}
	indexHits, err := l.vindex.Query(ctx, embedding, l.cfg.MaxResults)
	if err != nil {
		l.log.Debug().Err(err).Msg("vector index query failed")
		return hits
	}

	present := make(map[string]bool, len(hits))
	for _, h := range hits {
		present[h.rec.ID()] = true
	}
	byID := make(map[string]*core.MemoryRecord, len(l.records))
	for _, rec := range l.records {
		byID[rec.ID()] = rec
	}

	for _, hit := range indexHits {
		if float64(hit.Similarity) <= l.cfg.DetailsThreshold || present[hit.ID] {
			continue
		}
		rec, ok := byID[hit.ID]
		if !ok {
			continue
		}
		hits = append(hits, scoredRecord{rec: rec, score: float64(hit.Similarity), when: rec.Time()})
	}
	return hits
}

// queryVectorLocked encodes the query, caching the vector per vocabulary
// size so a repeated query skips tokenization until the vocabulary grows.
func (l *Lake) queryVectorLocked(query string) []float64 {
	key := queryCacheKey(l.enc.VocabSize(), query)
	if cached, ok := l.queryCache.Get(key); ok {
		if vec, ok := cached.([]float64); ok {
			return vec
		}
	}

	vec := l.enc.Encode(query)
	if vec != nil {
		l.queryCache.Set(key, vec, int64(len(vec)*8))
	}
	return vec
}

// keywordSearchLocked is the full fallback path: every record is
// keyword-scored at full weight and qualified against KeywordThreshold.
func (l *Lake) keywordSearchLocked(query string) []*core.MemoryRecord {
	now := time.Now()
	var hits []scoredRecord
	for _, rec := range l.records {
		score := keywordScore(rec, query, now)
		if score <= l.cfg.KeywordThreshold {
			continue
		}
		hits = append(hits, scoredRecord{rec: rec, score: score, when: rec.Time()})
	}
	return l.rankLocked(hits)
}

// rankLocked orders hits by score descending, breaking ties by recency, and
// caps the result.
func (l *Lake) rankLocked(hits []scoredRecord) []*core.MemoryRecord {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].when.After(hits[j].when)
	})

	max := l.cfg.MaxResults
	if max <= 0 || max > len(hits) {
		max = len(hits)
	}
	out := make([]*core.MemoryRecord, 0, max)
	for _, h := range hits[:max] {
		out = append(out, h.rec)
	}
	return out
}

// keywordScore rates a record against a query in [0, 1]: record keywords
// found in the query, query tokens found in the topic, plus a recency bonus.
// Substring matching keeps CJK queries working, where a single run like
// "北京天气" contains multiple keywords with no delimiter.
func keywordScore(rec *core.MemoryRecord, query string, now time.Time) float64 {
	queryLower := strings.ToLower(query)
	topicLower := strings.ToLower(rec.Topic)

	var score float64
	for _, kw := range rec.Keywords {
		if kw != "" && strings.Contains(queryLower, strings.ToLower(kw)) {
			score += keywordHitWeight
		}
	}
	for _, tok := range encoder.Tokenize(query) {
		if strings.Contains(topicLower, tok) {
			score += topicHitWeight
		}
	}

	if when := rec.Time(); !when.IsZero() {
		age := now.Sub(when)
		switch {
		case age <= 7*24*time.Hour:
			score += recentWeekBonus
		case age <= 30*24*time.Hour:
			score += recentMonthBonus
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// ShouldRecallMemory decides whether the user's input references past
// conversations at all, so the pipeline can skip retrieval on purely
// transactional turns.
func (l *Lake) ShouldRecallMemory(userInput string) bool {
	lower := strings.ToLower(userInput)
	for _, trigger := range l.cfg.RecallTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// GenerateMemoryContext renders retrieved records as a newline-delimited
// block suitable for prompt injection: one "[date time] topic" line per
// record under a short header. Empty input yields an empty string.
func (l *Lake) GenerateMemoryContext(records []*core.MemoryRecord, query string) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	if query != "" {
		b.WriteString("Past conversations related to \"")
		b.WriteString(query)
		b.WriteString("\":\n")
	} else {
		b.WriteString("Past conversations:\n")
	}
	for _, rec := range records {
		b.WriteString("- [")
		b.WriteString(rec.Date)
		b.WriteString(" ")
		b.WriteString(rec.Timestamp)
		b.WriteString("] ")
		b.WriteString(rec.Topic)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// sortRecordsByKeyDesc orders records most recent first by their zero-padded
// date/time sort key.
func sortRecordsByKeyDesc(records []*core.MemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SortKey() > records[j].SortKey()
	})
}

// queryCacheKey builds the query-cache key. Vectors are only valid for the
// vocabulary size they were encoded under, so the size is part of the key.
func queryCacheKey(vocabSize int, query string) string {
	return strconv.Itoa(vocabSize) + "|" + query
}
