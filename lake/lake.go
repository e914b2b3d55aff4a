// Package lake implements the memory lake: the orchestrator the chat
// pipeline talks to. It buffers conversation turns, flushes them into
// summarized memory records through a Summarizer, encodes topics and details
// into term-frequency vectors, and ranks stored records against incoming
// queries.
//
// A Lake is constructed explicitly and owned by the application's
// composition root. It is safe for concurrent use, but flushes are
// serialized internally: at most one summarize-and-save runs at a time.
package lake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/memlake-ai/memlake-go/core"
	"github.com/memlake-ai/memlake-go/encoder"
	"github.com/memlake-ai/memlake-go/store"
	chromemidx "github.com/memlake-ai/memlake-go/store/chromem"
	"github.com/memlake-ai/memlake-go/summarizer"
)

// ErrRecordNotFound is returned when no stored record matches the given
// identity.
var ErrRecordNotFound = errors.New("memory record not found")

// ErrUnrecognizedAnswer is returned by ConfirmMigration when the free-text
// answer matches neither a confirmation nor a decline; the pending migration
// stays armed so the caller can ask again.
var ErrUnrecognizedAnswer = errors.New("unrecognized migration answer")

// Config tunes lake policy. The retrieval thresholds are empirically chosen
// and exposed here for tuning rather than hard-coded as correctness
// requirements.
type Config struct {
	// FlushThreshold is the buffered-turn count at which ShouldSummarize
	// reports true.
	FlushThreshold int

	// DedupWindow drops a new turn whose user input is identical to the
	// previous buffered turn's and arrives within this window. Guards
	// against double submission from the UI layer.
	DedupWindow time.Duration

	// MaxResults caps SearchRelevantMemories output.
	MaxResults int

	// TopicWeight and DetailsWeight blend the two vector similarities into
	// the combined score.
	TopicWeight   float64
	DetailsWeight float64

	// CombinedThreshold and DetailsThreshold qualify a vectorized record:
	// combined > CombinedThreshold OR details > DetailsThreshold. The dual
	// threshold lets a highly relevant detail qualify a record whose topic
	// phrase matches poorly.
	CombinedThreshold float64
	DetailsThreshold  float64

	// KeywordThreshold qualifies a record on the keyword-scoring path.
	KeywordThreshold float64

	// KeywordTerms is the term list mined from transcripts into record
	// keywords at flush time.
	KeywordTerms []string

	// RecallTriggers are substrings of user input that indicate the turn
	// references past conversations, so retrieval is worth running.
	RecallTriggers []string

	// QueryCacheSize bounds the query-vector cache, in bytes of vector data.
	QueryCacheSize int64
}

// DefaultConfig returns the standard lake policy.
func DefaultConfig() Config {
	return Config{
		FlushThreshold:    3,
		DedupWindow:       5 * time.Second,
		MaxResults:        5,
		TopicWeight:       0.7,
		DetailsWeight:     0.3,
		CombinedThreshold: 0.2,
		DetailsThreshold:  0.3,
		KeywordThreshold:  0.3,
		KeywordTerms:      defaultKeywordTerms,
		RecallTriggers:    defaultRecallTriggers,
		QueryCacheSize:    1 << 20,
	}
}

var defaultKeywordTerms = []string{
	"weather", "travel", "plan", "project", "deadline", "meeting",
	"birthday", "family", "work", "health", "movie", "music", "food",
	"天气", "旅行", "计划", "项目", "会议", "生日", "家人", "工作",
	"健康", "电影", "音乐", "美食",
}

var defaultRecallTriggers = []string{
	"remember", "recall", "last time", "previously", "you said",
	"we talked", "we discussed", "earlier",
	"记得", "还记得", "之前", "上次", "说过", "聊过", "提到",
}

// bufferedTurn pairs a turn with the callback to fire once it is durably
// flushed.
type bufferedTurn struct {
	turn      core.ConversationTurn
	markSaved func()
}

// Lake is the memory engine's public surface.
type Lake struct {
	store *store.Store
	enc   *encoder.Encoder
	sum   summarizer.Summarizer
	cfg   Config
	log   zerolog.Logger

	queryCache *ristretto.Cache

	// flushMu serializes flushes so two concurrent saves cannot interleave
	// buffer consumption. It is always acquired before mu.
	flushMu sync.Mutex

	mu       sync.Mutex
	records  []*core.MemoryRecord
	buffer   []bufferedTurn
	vindex   *chromemidx.Index
	embedder encoder.Embedder
}

// New loads existing records, restores the encoder vocabulary, enforces the
// first-record-importance invariant, and arms migration detection if legacy
// data is present. Corrupt memory data degrades to an empty lake; only
// infrastructure failures (cache construction, record persistence during
// invariant repair) error out.
func New(st *store.Store, enc *encoder.Encoder, sum summarizer.Summarizer, cfg Config, logger zerolog.Logger) (*Lake, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     cfg.QueryCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}

	records, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	l := &Lake{
		store:      st,
		enc:        enc,
		sum:        sum,
		cfg:        cfg,
		log:        logger.With().Str("component", "lake").Logger(),
		queryCache: cache,
		records:    records,
	}

	l.restoreVocab()

	// Detection runs before the invariant repair below: repairing persists
	// the record set, and that must not establish the new storage format
	// while the migration question is still open.
	if status := st.DetectLegacyData(len(records)); status != nil {
		l.log.Info().
			Int("legacy_records", status.OldCount).
			Int("current_records", status.CurrentCount).
			Msg("legacy memory data detected, awaiting migration decision")
	}

	if err := l.ensureFirstImportantLocked(); err != nil {
		return nil, err
	}

	l.log.Info().
		Int("records", len(records)).
		Int("vocab_size", enc.VocabSize()).
		Msg("memory lake ready")
	return l, nil
}

// restoreVocab reloads the persisted vocabulary snapshot so stored vectors
// keep their slot alignment, then folds in record text to absorb any drift.
// With no snapshot the vocabulary is rebuilt from records in insertion
// order, which reproduces the original assignment order.
func (l *Lake) restoreVocab() {
	if tokens := l.store.LoadVocab(); tokens != nil {
		l.enc.LoadVocab(tokens)
	}
	for _, rec := range l.records {
		l.enc.UpdateVocab(rec.Topic, rec.ConversationDetails)
	}
}

// AttachVectorIndex enables the embedding-based retrieval accelerator:
// existing records are re-indexed through the embedder, and future flushes
// keep the index current. The lake works fully without one; term-frequency
// scoring remains the baseline and the fallback.
func (l *Lake) AttachVectorIndex(ctx context.Context, ix *chromemidx.Index, emb encoder.Embedder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ix.Rebuild(ctx, l.records, emb.Embed); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	l.vindex = ix
	l.embedder = emb
	return nil
}

// AddConversation buffers one user/assistant exchange. In developer mode
// nothing is recorded, so test chatter never pollutes memory. markSaved may
// be nil; when set it fires once the turn is durably flushed.
func (l *Lake) AddConversation(userInput, aiResponse string, developerMode bool, markSaved func()) {
	if developerMode {
		l.log.Debug().Msg("developer mode active, conversation not recorded")
		return
	}

	turn := core.NewConversationTurn(userInput, aiResponse)

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.buffer); n > 0 {
		prev := l.buffer[n-1].turn
		if prev.UserInput == userInput && turn.Timestamp.Sub(prev.Timestamp) <= l.cfg.DedupWindow {
			l.log.Debug().Str("turn_id", prev.ID).Msg("duplicate submission dropped")
			return
		}
	}

	l.buffer = append(l.buffer, bufferedTurn{turn: turn, markSaved: markSaved})
}

// ShouldSummarize reports whether the buffer has reached the flush
// threshold.
func (l *Lake) ShouldSummarize() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer) >= l.cfg.FlushThreshold
}

// SummarizeAndSave flushes the buffer into one memory record. Without force
// it no-ops below the flush threshold. Returns the record's topic, empty
// when nothing was flushed. Summarizer failures degrade to sentinel text
// inside the record; only persistence failures surface as errors, and on
// those the buffer is kept so the flush can be retried.
func (l *Lake) SummarizeAndSave(ctx context.Context, force bool) (string, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	pending := l.snapshotBuffer()
	if len(pending) == 0 {
		return "", nil
	}
	if !force && len(pending) < l.cfg.FlushThreshold {
		return "", nil
	}
	return l.flush(ctx, pending, transcript(pending), false)
}

// ForceSaveCurrent flushes regardless of threshold. It exists for the very
// first ever conversation: when the store is empty the resulting record is
// flagged important and first-conversation. introduction, when non-empty, is
// prepended to the transcript — but only while the buffer holds exactly one
// turn, so a repeated call cannot attach it twice.
func (l *Lake) ForceSaveCurrent(ctx context.Context, introduction string) (string, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	pending := l.snapshotBuffer()
	if len(pending) == 0 {
		return "", nil
	}

	text := transcript(pending)
	if introduction != "" && len(pending) == 1 {
		text = introduction + "\n" + text
	}

	l.mu.Lock()
	first := len(l.records) == 0
	l.mu.Unlock()
	return l.flush(ctx, pending, text, first)
}

// snapshotBuffer copies the current buffer so summarization can run without
// holding the lake lock.
func (l *Lake) snapshotBuffer() []bufferedTurn {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := make([]bufferedTurn, len(l.buffer))
	copy(pending, l.buffer)
	return pending
}

// transcript renders buffered turns as labeled dialogue text.
func transcript(pending []bufferedTurn) string {
	var b strings.Builder
	for _, bt := range pending {
		b.WriteString(summarizer.UserLabel)
		b.WriteString(" ")
		b.WriteString(bt.turn.UserInput)
		b.WriteString("\n")
		b.WriteString(summarizer.AssistantLabel)
		b.WriteString(" ")
		b.WriteString(bt.turn.AIResponse)
		b.WriteString("\n")
	}
	return b.String()
}

// flush summarizes the transcript with no lake lock held (summarizer calls
// can take minutes under retry), then commits the record, fires the saved
// callbacks, and consumes the flushed turns from the buffer. Caller holds
// flushMu.
func (l *Lake) flush(ctx context.Context, pending []bufferedTurn, transcript string, first bool) (string, error) {
	topic := l.sum.SummarizeTopic(ctx, transcript)
	details := l.sum.SummarizeDetails(ctx, transcript)

	// Vocabulary grows before encoding so the new record's own tokens are
	// in scope for its vectors.
	l.enc.UpdateVocab(topic, details)

	rec := &core.MemoryRecord{
		Topic:               topic,
		ConversationCount:   len(pending),
		Keywords:            l.extractKeywords(transcript),
		ConversationDetails: details,
		TopicVector:         l.enc.Encode(topic),
		DetailsVector:       l.enc.Encode(details),
		IsImportant:         first,
		IsFirstConversation: first,
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Record identity is date_timestamp at second precision; two flushes
	// within the same second must not collide.
	when := time.Now()
	rec.Stamp(when)
	for l.hasRecordLocked(rec.ID()) {
		when = when.Add(time.Second)
		rec.Stamp(when)
	}

	updated := append(l.records, rec)
	if err := l.store.Save(updated); err != nil {
		return "", fmt.Errorf("persist flush: %w", err)
	}
	l.records = updated

	if err := l.store.SaveVocab(l.enc.SnapshotVocab()); err != nil {
		// Vocabulary is derived state; losing the snapshot only costs a
		// rebuild on next startup.
		l.log.Warn().Err(err).Msg("vocab snapshot failed")
	}

	if l.vindex != nil {
		if embedding, err := l.embedder.Embed(ctx, details); err == nil {
			if err := l.vindex.Add(ctx, rec, embedding); err != nil {
				l.log.Warn().Err(err).Msg("vector index add failed")
			}
		} else {
			l.log.Warn().Err(err).Msg("details embedding failed, record not indexed")
		}
	}

	for _, bt := range pending {
		if bt.markSaved != nil {
			bt.markSaved()
		}
	}

	// Turns added while summarization ran stay buffered for the next flush.
	l.buffer = l.buffer[len(pending):]

	l.log.Info().
		Str("topic", topic).
		Int("turns", len(pending)).
		Int("records", len(l.records)).
		Msg("conversation flushed to memory")
	return topic, nil
}

// CurrentContextSummary condenses the unsaved buffer into a short context
// line for prompt injection. Empty buffer yields an empty string.
func (l *Lake) CurrentContextSummary(ctx context.Context) string {
	text := transcript(l.snapshotBuffer())
	if text == "" {
		return ""
	}
	return l.sum.SummarizeContext(ctx, text)
}

// extractKeywords collects configured domain terms present in the
// transcript, preserving term-list order.
func (l *Lake) extractKeywords(transcript string) []string {
	lower := strings.ToLower(transcript)
	var keywords []string
	for _, term := range l.cfg.KeywordTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			keywords = append(keywords, term)
		}
	}
	return keywords
}

// GetRecentMemories returns up to limit records, most recent first.
func (l *Lake) GetRecentMemories(limit int) []*core.MemoryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := l.sortedByTimeLocked()
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// sortedByTimeLocked returns a copy of the record slice, most recent first.
func (l *Lake) sortedByTimeLocked() []*core.MemoryRecord {
	out := make([]*core.MemoryRecord, len(l.records))
	copy(out, l.records)
	sortRecordsByKeyDesc(out)
	return out
}

// GetFirstMemory returns the chronologically earliest record, nil when the
// store is empty.
func (l *Lake) GetFirstMemory() *core.MemoryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstLocked()
}

func (l *Lake) hasRecordLocked(id string) bool {
	for _, rec := range l.records {
		if rec.ID() == id {
			return true
		}
	}
	return false
}

func (l *Lake) firstLocked() *core.MemoryRecord {
	var first *core.MemoryRecord
	for _, rec := range l.records {
		if first == nil || rec.SortKey() < first.SortKey() {
			first = rec
		}
	}
	return first
}

// EnsureFirstMemoryImportant flags the chronologically earliest record as
// important. Idempotent; run at every startup so the invariant holds even if
// earlier logic failed to set the flag.
func (l *Lake) EnsureFirstMemoryImportant() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureFirstImportantLocked()
}

func (l *Lake) ensureFirstImportantLocked() error {
	first := l.firstLocked()
	if first == nil || first.IsImportant {
		return nil
	}
	first.IsImportant = true
	l.log.Info().Str("topic", first.Topic).Msg("first memory flagged important")

	// While a migration decision is open the repaired flag stays in memory
	// only; saving now would establish the new storage format prematurely.
	// The migration save (or the next flush) persists it.
	if l.store.PendingMigration() != nil {
		return nil
	}
	if err := l.store.Save(l.records); err != nil {
		return fmt.Errorf("persist first-record importance: %w", err)
	}
	return nil
}

// MarkImportant flags the record with the given identity as important.
func (l *Lake) MarkImportant(id string) error {
	return l.setImportant(id, true)
}

// UnmarkImportant clears the importance flag on the record with the given
// identity.
func (l *Lake) UnmarkImportant(id string) error {
	return l.setImportant(id, false)
}

func (l *Lake) setImportant(id string, important bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.ID() != id {
			continue
		}
		if rec.IsImportant == important {
			return nil
		}
		rec.IsImportant = important
		if err := l.store.Save(l.records); err != nil {
			rec.IsImportant = !important
			return fmt.Errorf("persist importance change: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

// ImportantMemories returns every record flagged important, most recent
// first.
func (l *Lake) ImportantMemories() []*core.MemoryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*core.MemoryRecord
	for _, rec := range l.records {
		if rec.IsImportant {
			out = append(out, rec)
		}
	}
	sortRecordsByKeyDesc(out)
	return out
}

// MemoryStats is a point-in-time snapshot of lake state.
type MemoryStats struct {
	TotalRecords     int  `json:"total_records"`
	ImportantRecords int  `json:"important_records"`
	BufferedTurns    int  `json:"buffered_turns"`
	VocabSize        int  `json:"vocab_size"`
	PendingMigration bool `json:"pending_migration"`
}

// GetMemoryStats reports record counts, buffer depth, and vocabulary size.
func (l *Lake) GetMemoryStats() MemoryStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	important := 0
	for _, rec := range l.records {
		if rec.IsImportant {
			important++
		}
	}
	return MemoryStats{
		TotalRecords:     len(l.records),
		ImportantRecords: important,
		BufferedTurns:    len(l.buffer),
		VocabSize:        l.enc.VocabSize(),
		PendingMigration: l.store.PendingMigration() != nil,
	}
}

// MigrationStatus returns the pending legacy migration, nil when none is
// armed.
func (l *Lake) MigrationStatus() *store.MigrationStatus {
	return l.store.PendingMigration()
}

// Affirmative and negative answer forms accepted by ConfirmMigration.
var (
	affirmativeAnswers = []string{"yes", "y", "ok", "confirm", "是", "好", "好的", "确认", "可以"}
	negativeAnswers    = []string{"no", "n", "cancel", "decline", "否", "不", "不要", "取消"}
)

// ConfirmMigration translates a free-text answer into the store's
// confirm/decline transition. A confirmed migration merges legacy records
// into the lake and re-encodes the converted, vectorless records under the
// current vocabulary. A declined one clears the pending state. Answers that
// match neither form return ErrUnrecognizedAnswer and leave the migration
// pending.
func (l *Lake) ConfirmMigration(answer string) (*store.MigrationResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(answer))

	switch {
	case matchesAnswer(normalized, affirmativeAnswers):
		return l.runMigration()
	case matchesAnswer(normalized, negativeAnswers):
		l.store.DeclineMigration()
		l.log.Info().Msg("migration declined by user")
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedAnswer, answer)
	}
}

func matchesAnswer(normalized string, forms []string) bool {
	for _, form := range forms {
		if normalized == form {
			return true
		}
	}
	return false
}

func (l *Lake) runMigration() (*store.MigrationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged, result, err := l.store.ConfirmMigration(l.records)
	if err != nil {
		return nil, err
	}
	l.records = merged

	// Converted records arrive without vectors; encode them under the
	// current vocabulary so they join the vector ranking path.
	reencoded := 0
	for _, rec := range l.records {
		if len(rec.TopicVector) > 0 {
			continue
		}
		l.enc.UpdateVocab(rec.Topic, rec.ConversationDetails)
		rec.TopicVector = l.enc.Encode(rec.Topic)
		rec.DetailsVector = l.enc.Encode(rec.ConversationDetails)
		reencoded++
	}
	if reencoded > 0 {
		if err := l.store.Save(l.records); err != nil {
			return result, fmt.Errorf("persist re-encoded records: %w", err)
		}
		if err := l.store.SaveVocab(l.enc.SnapshotVocab()); err != nil {
			l.log.Warn().Err(err).Msg("vocab snapshot failed")
		}
	}

	if err := l.ensureFirstImportantLocked(); err != nil {
		return result, err
	}

	l.log.Info().
		Int("migrated", result.Migrated).
		Int("skipped", result.Skipped).
		Int("reencoded", reencoded).
		Msg("migration confirmed")
	return result, nil
}

// Close flushes any unsaved buffer. Call at shutdown.
func (l *Lake) Close(ctx context.Context) error {
	if _, err := l.SummarizeAndSave(ctx, true); err != nil {
		return fmt.Errorf("shutdown flush: %w", err)
	}
	l.queryCache.Close()
	return nil
}
