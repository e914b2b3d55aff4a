// Package core defines the data model shared by the memory lake packages:
// conversation turns buffered in memory, durable memory records, and the
// lightweight index entries that point at them on disk.
package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout and TimeLayout together form a record's identity and sort key.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// ConversationTurn is a single user/assistant exchange. Turns live in the
// lake's in-memory buffer until they are folded into a MemoryRecord; Saved
// flips to true once the turn has been durably committed.
type ConversationTurn struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserInput  string    `json:"user_input"`
	AIResponse string    `json:"ai_response"`
	Saved      bool      `json:"saved"`
}

// NewConversationTurn creates a turn stamped with the current time.
func NewConversationTurn(userInput, aiResponse string) ConversationTurn {
	return ConversationTurn{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().Truncate(time.Second),
		UserInput:  userInput,
		AIResponse: aiResponse,
	}
}

// MemoryRecord is one persisted, summarized unit of conversation history.
//
// TopicVector and DetailsVector are nullable: their length equals the
// encoder's vocabulary size at encode time, and the vocabulary may have grown
// since. Retrieval compares vectors over the shorter index range and must
// never assume equal lengths.
type MemoryRecord struct {
	Topic               string    `json:"topic"`
	Date                string    `json:"date"`
	Timestamp           string    `json:"timestamp"`
	ConversationCount   int       `json:"conversation_count"`
	Keywords            []string  `json:"keywords,omitempty"`
	ConversationDetails string    `json:"conversation_details,omitempty"`
	TopicVector         []float64 `json:"topic_vector,omitempty"`
	DetailsVector       []float64 `json:"details_vector,omitempty"`
	IsImportant         bool      `json:"is_important"`
	IsFirstConversation bool      `json:"is_first_conversation,omitempty"`
}

// ID returns the record's stable identity, derived from date and timestamp.
// Migration deduplicates by this identity, not by content.
func (r *MemoryRecord) ID() string {
	return r.Date + "_" + r.Timestamp
}

// SortKey orders records chronologically. Date and timestamp are
// zero-padded, so lexicographic order is chronological order.
func (r *MemoryRecord) SortKey() string {
	return r.Date + " " + r.Timestamp
}

// Time parses the record's date and timestamp into a wall-clock time.
// Returns the zero time if either field is malformed.
func (r *MemoryRecord) Time() time.Time {
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.Timestamp, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Stamp fills Date and Timestamp from t, second precision.
func (r *MemoryRecord) Stamp(t time.Time) {
	r.Date = t.Format(DateLayout)
	r.Timestamp = t.Format(TimeLayout)
}

// IndexEntry is a lightweight pointer to one MemoryRecord file. The index
// lets callers list and search records without loading every record body.
type IndexEntry struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Topic       string `json:"topic"`
	Date        string `json:"date"`
	Timestamp   string `json:"timestamp"`
	IsImportant bool   `json:"is_important"`
}

// IndexEntryFor builds the index pointer for a record.
func IndexEntryFor(r *MemoryRecord) IndexEntry {
	return IndexEntry{
		ID:          r.ID(),
		Filename:    RecordFilename(r),
		Topic:       r.Topic,
		Date:        r.Date,
		Timestamp:   r.Timestamp,
		IsImportant: r.IsImportant,
	}
}

// maxTopicSegment caps the topic-derived part of a record filename.
const maxTopicSegment = 50

// RecordFilename derives the on-disk name for a record:
// <date>_<time-with-dashes>_<sanitized-topic>.json
func RecordFilename(r *MemoryRecord) string {
	timePart := strings.ReplaceAll(r.Timestamp, ":", "-")
	return r.Date + "_" + timePart + "_" + SanitizeFilename(r.Topic) + ".json"
}

// SanitizeFilename strips characters that are illegal in file names on any
// supported platform and caps the result at maxTopicSegment runes.
func SanitizeFilename(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters
		case strings.ContainsRune(`/\:*?"<>|`, r):
			// path separators and Windows-reserved characters
		case r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if runes := []rune(out); len(runes) > maxTopicSegment {
		out = string(runes[:maxTopicSegment])
	}
	if out == "" {
		out = "untitled"
	}
	return out
}
