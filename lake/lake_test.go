package lake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memlake-ai/memlake-go/core"
	"github.com/memlake-ai/memlake-go/encoder"
	"github.com/memlake-ai/memlake-go/store"
	"github.com/memlake-ai/memlake-go/summarizer"
)

// stubSummarizer returns canned summaries and records the transcripts it was
// given.
type stubSummarizer struct {
	topic       string
	contextLine string
	details     string

	topicInputs   []string
	detailsInputs []string
}

func (s *stubSummarizer) SummarizeTopic(_ context.Context, conversation string) string {
	s.topicInputs = append(s.topicInputs, conversation)
	return s.topic
}

func (s *stubSummarizer) SummarizeContext(_ context.Context, conversation string) string {
	return s.contextLine
}

func (s *stubSummarizer) SummarizeDetails(_ context.Context, conversation string) string {
	s.detailsInputs = append(s.detailsInputs, conversation)
	return s.details
}

func newStub() *stubSummarizer {
	return &stubSummarizer{
		topic:       "weather plans",
		contextLine: "discussing the weekend weather",
		details:     "User asked about the weather before a weekend trip.",
	}
}

func newTestLake(t *testing.T, sum summarizer.Summarizer) (*Lake, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	l, err := New(st, encoder.New(), sum, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return l, st
}

func TestAddConversationDedup(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	// Identical user input within the dedup window buffers once.
	l.AddConversation("what's the weather", "sunny", false, nil)
	l.AddConversation("what's the weather", "sunny again", false, nil)
	assert.Equal(t, 1, l.GetMemoryStats().BufferedTurns)

	// Different input is never deduped.
	l.AddConversation("and tomorrow?", "rainy", false, nil)
	assert.Equal(t, 2, l.GetMemoryStats().BufferedTurns)
}

func TestAddConversationDedupWindowExpires(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.cfg.DedupWindow = 0

	l.AddConversation("what's the weather", "sunny", false, nil)
	time.Sleep(time.Second + 50*time.Millisecond) // turn timestamps have second precision
	l.AddConversation("what's the weather", "sunny", false, nil)
	assert.Equal(t, 2, l.GetMemoryStats().BufferedTurns)
}

func TestDeveloperModeNotRecorded(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.AddConversation("test input", "test output", true, nil)
	assert.Equal(t, 0, l.GetMemoryStats().BufferedTurns)
}

func TestShouldSummarizeThreshold(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	l.AddConversation("one", "a", false, nil)
	l.AddConversation("two", "b", false, nil)
	assert.False(t, l.ShouldSummarize())

	l.AddConversation("three", "c", false, nil)
	assert.True(t, l.ShouldSummarize())
}

func TestSummarizeAndSaveBelowThresholdIsNoop(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.AddConversation("one", "a", false, nil)

	topic, err := l.SummarizeAndSave(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, topic)
	assert.Equal(t, 1, l.GetMemoryStats().BufferedTurns)
	assert.Equal(t, 0, l.GetMemoryStats().TotalRecords)
}

func TestSummarizeAndSaveEmptyBufferIsNoop(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	topic, err := l.SummarizeAndSave(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, topic)
}

func TestSummarizeAndSaveCreatesRecord(t *testing.T) {
	stub := newStub()
	l, st := newTestLake(t, stub)

	saved := 0
	for _, input := range []string{"what's the weather", "plan the travel", "book it"} {
		l.AddConversation(input, "ok", false, func() { saved++ })
	}

	topic, err := l.SummarizeAndSave(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "weather plans", topic)

	// Buffer consumed, callbacks fired for every flushed turn.
	assert.Equal(t, 0, l.GetMemoryStats().BufferedTurns)
	assert.Equal(t, 3, saved)

	recent := l.GetRecentMemories(0)
	require.Len(t, recent, 1)
	rec := recent[0]
	assert.Equal(t, "weather plans", rec.Topic)
	assert.Equal(t, 3, rec.ConversationCount)
	assert.Contains(t, rec.Keywords, "weather")
	assert.Contains(t, rec.Keywords, "travel")
	assert.NotEmpty(t, rec.TopicVector)
	assert.NotEmpty(t, rec.DetailsVector)

	// Durable: a fresh store sees the record, and the vocabulary snapshot
	// restores slot alignment.
	loaded, err := st.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, rec.ID(), loaded[0].ID())
	assert.NotEmpty(t, st.LoadVocab())
}

func TestForceSaveFirstConversation(t *testing.T) {
	l, _ := newTestLake(t, newStub())

	l.AddConversation("hello", "hi, I'm your assistant", false, nil)
	topic, err := l.ForceSaveCurrent(context.Background(), "I am a desktop assistant.")
	require.NoError(t, err)
	assert.NotEmpty(t, topic)

	first := l.GetFirstMemory()
	require.NotNil(t, first)
	assert.True(t, first.IsImportant)
	assert.True(t, first.IsFirstConversation)

	// A later force save is an ordinary record.
	l.AddConversation("what now", "up to you", false, nil)
	_, err = l.ForceSaveCurrent(context.Background(), "")
	require.NoError(t, err)
	recent := l.GetRecentMemories(0)
	require.Len(t, recent, 2)
	for _, rec := range recent {
		if rec.ID() != first.ID() {
			assert.False(t, rec.IsFirstConversation)
		}
	}
}

func TestIntroductionOnlyAttachesToSingleTurnBuffer(t *testing.T) {
	stub := newStub()
	l, _ := newTestLake(t, stub)

	l.AddConversation("hello", "hi", false, nil)
	l.AddConversation("how are you", "fine", false, nil)

	_, err := l.ForceSaveCurrent(context.Background(), "I am a desktop assistant.")
	require.NoError(t, err)

	require.Len(t, stub.topicInputs, 1)
	assert.NotContains(t, stub.topicInputs[0], "I am a desktop assistant.")
}

func TestEnsureFirstMemoryImportant(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, zerolog.Nop())
	require.NoError(t, err)

	older := &core.MemoryRecord{Topic: "older", Date: "2026-01-01", Timestamp: "08:00:00", ConversationCount: 1}
	newer := &core.MemoryRecord{Topic: "newer", Date: "2026-02-01", Timestamp: "08:00:00", ConversationCount: 1, IsImportant: true}
	require.NoError(t, st.Save([]*core.MemoryRecord{newer, older}))

	// Construction repairs the invariant regardless of insertion order.
	l, err := New(st, encoder.New(), newStub(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	first := l.GetFirstMemory()
	require.NotNil(t, first)
	assert.Equal(t, "older", first.Topic)
	assert.True(t, first.IsImportant)

	// And it stuck on disk.
	loaded, err := st.Load()
	require.NoError(t, err)
	for _, rec := range loaded {
		if rec.Topic == "older" {
			assert.True(t, rec.IsImportant)
		}
	}
}

// failingBackend rejects every generation attempt.
type failingBackend struct{ calls int }

func (b *failingBackend) Generate(context.Context, string) (string, error) {
	b.calls++
	return "", errors.New("backend down")
}

func TestSummarizerTotalFailureStillPersists(t *testing.T) {
	cfg := summarizer.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	backend := &failingBackend{}
	svc := summarizer.NewService(backend, cfg, zerolog.Nop())

	l, st := newTestLake(t, svc)
	l.AddConversation("hello", "hi", false, nil)

	topic, err := l.ForceSaveCurrent(context.Background(), "")
	require.NoError(t, err, "summarizer failure must never abort a flush")
	assert.Equal(t, summarizer.FailedTopic, topic)

	loaded, err := st.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, summarizer.FailedTopic, loaded[0].Topic)
}

func TestMarkAndUnmarkImportant(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	l.AddConversation("hello", "hi", false, nil)
	_, err := l.ForceSaveCurrent(context.Background(), "")
	require.NoError(t, err)
	l.AddConversation("more", "sure", false, nil)
	_, err = l.ForceSaveCurrent(context.Background(), "")
	require.NoError(t, err)

	recent := l.GetRecentMemories(0)
	require.Len(t, recent, 2)
	target := recent[0]

	require.NoError(t, l.MarkImportant(target.ID()))
	ids := map[string]bool{}
	for _, rec := range l.ImportantMemories() {
		ids[rec.ID()] = true
	}
	assert.True(t, ids[target.ID()])

	require.NoError(t, l.UnmarkImportant(target.ID()))
	assert.ErrorIs(t, l.MarkImportant("2020-01-01_00:00:00"), ErrRecordNotFound)
}

func TestGetRecentMemoriesOrder(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Save([]*core.MemoryRecord{
		{Topic: "middle", Date: "2026-03-01", Timestamp: "09:00:00", ConversationCount: 1},
		{Topic: "newest", Date: "2026-05-01", Timestamp: "09:00:00", ConversationCount: 1},
		{Topic: "oldest", Date: "2026-01-01", Timestamp: "09:00:00", ConversationCount: 1},
	}))

	l, err := New(st, encoder.New(), newStub(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	recent := l.GetRecentMemories(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "newest", recent[0].Topic)
	assert.Equal(t, "middle", recent[1].Topic)
}

func TestCurrentContextSummary(t *testing.T) {
	l, _ := newTestLake(t, newStub())
	assert.Empty(t, l.CurrentContextSummary(context.Background()))

	l.AddConversation("hello", "hi", false, nil)
	assert.Equal(t, "discussing the weekend weather", l.CurrentContextSummary(context.Background()))
}

const legacyBody = `{"topics": [
	{"topic": "legacy weather", "date": "2025-06-01", "timestamp": "10:00:00", "keywords": ["weather"]},
	{"topic": "legacy travel", "date": "2025-06-02", "timestamp": "11:00:00"}
]}`

func newLakeWithLegacy(t *testing.T) *Lake {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.json"), []byte(legacyBody), 0o644))
	st, err := store.New(dir, zerolog.Nop())
	require.NoError(t, err)
	l, err := New(st, encoder.New(), newStub(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestConfirmMigrationAffirmative(t *testing.T) {
	l := newLakeWithLegacy(t)
	require.NotNil(t, l.MigrationStatus())

	result, err := l.ConfirmMigration("是")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Migrated)
	assert.Nil(t, l.MigrationStatus())

	recent := l.GetRecentMemories(0)
	require.Len(t, recent, 2)
	for _, rec := range recent {
		assert.NotEmpty(t, rec.TopicVector, "migrated records are re-encoded under the current vocabulary")
	}
}

func TestConfirmMigrationDecline(t *testing.T) {
	l := newLakeWithLegacy(t)

	result, err := l.ConfirmMigration("no")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Nil(t, l.MigrationStatus())

	// The records stay usable through the fallback load; only the storage
	// format conversion was declined.
	assert.Equal(t, 2, l.GetMemoryStats().TotalRecords)
}

func TestConfirmMigrationUnrecognizedAnswerKeepsPending(t *testing.T) {
	l := newLakeWithLegacy(t)

	_, err := l.ConfirmMigration("maybe later")
	assert.ErrorIs(t, err, ErrUnrecognizedAnswer)
	assert.NotNil(t, l.MigrationStatus(), "an unclear answer must not resolve the migration")
}

func TestCloseFlushesBuffer(t *testing.T) {
	l, st := newTestLake(t, newStub())
	l.AddConversation("hello", "hi", false, nil)

	require.NoError(t, l.Close(context.Background()))

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
