// Package store persists memory records on disk: one JSON file per record
// under a records directory, plus an index file enumerating them. Older
// deployments kept everything in a single legacy file; the store detects
// that format and offers a user-confirmed, never-silent migration.
//
// Load never fails application startup over corrupt memory data — malformed
// files degrade to an empty record set with a warning. Memory is an
// enhancement layer, not a launch dependency.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memlake-ai/memlake-go/core"
)

const (
	recordsDirName = "memories"
	indexFileName  = "memory_index.json"
	legacyFileName = "memory.json"
	vocabFileName  = "vocab.json"
)

// ErrNoPendingMigration is returned by ConfirmMigration when no legacy data
// has been detected (or a prior answer already resolved it).
var ErrNoPendingMigration = errors.New("no pending migration")

// Store is the durable backend for memory records. Methods are safe for
// concurrent use; the index is fully regenerated on every save so a reader
// never observes a partially updated index.
type Store struct {
	baseDir    string
	recordsDir string
	indexPath  string
	legacyPath string
	vocabPath  string
	log        zerolog.Logger

	mu      sync.Mutex
	pending *MigrationStatus
}

// MigrationStatus describes detected legacy data awaiting a user decision.
type MigrationStatus struct {
	OldCount     int    `json:"old_count"`
	CurrentCount int    `json:"current_count"`
	LegacyPath   string `json:"legacy_path"`
}

// MigrationResult reports what a confirmed migration did. Skipped counts
// legacy records whose identity already existed in the current index —
// expected on a crash-and-retry run, not an error.
type MigrationResult struct {
	Migrated   int    `json:"migrated"`
	Skipped    int    `json:"skipped"`
	BackupPath string `json:"backup_path"`
}

// index is the persisted shape of the index file.
type index struct {
	Entries []core.IndexEntry `json:"entries"`
}

// New creates a store rooted at baseDir, creating the records directory if
// needed.
func New(baseDir string, logger zerolog.Logger) (*Store, error) {
	recordsDir := filepath.Join(baseDir, recordsDirName)
	if err := os.MkdirAll(recordsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}
	return &Store{
		baseDir:    baseDir,
		recordsDir: recordsDir,
		indexPath:  filepath.Join(baseDir, indexFileName),
		legacyPath: filepath.Join(baseDir, legacyFileName),
		vocabPath:  filepath.Join(baseDir, vocabFileName),
		log:        logger.With().Str("component", "store").Logger(),
	}, nil
}

// Load reads all records, preferring the index+directory format and falling
// back to the legacy single file when no index exists. Corrupt data yields an
// empty set, never an error that would block startup.
func (s *Store) Load() ([]*core.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.indexPath); err == nil {
		return s.loadIndexed(), nil
	}

	legacy, exists := s.readLegacy()
	if !exists {
		return nil, nil
	}
	s.log.Info().Int("count", len(legacy)).Msg("loaded records from legacy file")
	return legacy, nil
}

// loadIndexed reads the index and every record file it points at. Entries
// whose file is missing or malformed are skipped with a warning.
func (s *Store) loadIndexed() []*core.MemoryRecord {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		s.log.Warn().Err(err).Msg("index unreadable, starting empty")
		return nil
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.log.Warn().Err(err).Msg("index corrupt, starting empty")
		return nil
	}

	records := make([]*core.MemoryRecord, 0, len(idx.Entries))
	for _, entry := range idx.Entries {
		body, err := os.ReadFile(filepath.Join(s.recordsDir, entry.Filename))
		if err != nil {
			s.log.Warn().Err(err).Str("filename", entry.Filename).Msg("record file missing, skipping")
			continue
		}
		var rec core.MemoryRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			s.log.Warn().Err(err).Str("filename", entry.Filename).Msg("record file corrupt, skipping")
			continue
		}
		records = append(records, &rec)
	}
	return records
}

// Save rewrites every record as its own file and regenerates the index from
// scratch. Full rewrite avoids index drift at the cost of O(n) per save; n is
// bounded by human conversation volume.
func (s *Store) Save(records []*core.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(records)
}

func (s *Store) saveLocked(records []*core.MemoryRecord) error {
	if err := os.MkdirAll(s.recordsDir, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}

	entries := make([]core.IndexEntry, 0, len(records))
	for _, rec := range records {
		entry := core.IndexEntryFor(rec)
		body, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", entry.ID, err)
		}
		if err := os.WriteFile(filepath.Join(s.recordsDir, entry.Filename), body, 0o644); err != nil {
			return fmt.Errorf("write record %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}

	return s.writeIndex(entries)
}

// writeIndex writes the index through a temp file and rename so concurrent
// readers never observe a torn index.
func (s *Store) writeIndex(entries []core.IndexEntry) error {
	data, err := json.MarshalIndent(index{Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// LoadIndex returns the current index entries, empty when no index exists or
// it is unreadable.
func (s *Store) LoadIndex() []core.IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		return nil
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil
	}
	return idx.Entries
}

// readLegacy parses the legacy single file, accepting both historical
// shapes: an object with a "topics" key, or a bare list of records. Corrupt
// content normalizes to an empty set.
func (s *Store) readLegacy() (records []*core.MemoryRecord, exists bool) {
	data, err := os.ReadFile(s.legacyPath)
	if err != nil {
		return nil, false
	}

	var wrapped struct {
		Topics []*core.MemoryRecord `json:"topics"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return normalizeLegacy(wrapped.Topics), true
	}

	var bare []*core.MemoryRecord
	if err := json.Unmarshal(data, &bare); err == nil {
		return normalizeLegacy(bare), true
	}

	s.log.Warn().Str("path", s.legacyPath).Msg("legacy file corrupt, treating as empty")
	return nil, true
}

// normalizeLegacy fills schema defaults legacy records predate.
func normalizeLegacy(records []*core.MemoryRecord) []*core.MemoryRecord {
	out := records[:0]
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.ConversationCount == 0 {
			rec.ConversationCount = 1
		}
		out = append(out, rec)
	}
	return out
}

// DetectLegacyData checks for a legacy file holding records and, when found,
// arms the pending-migration state. It never migrates by itself: the caller
// is expected to confront the user and relay the answer to ConfirmMigration
// or DeclineMigration. currentCount is the number of records already in the
// current store, included so the confirmation prompt can show both figures.
func (s *Store) DetectLegacyData(currentCount int) *MigrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		st := *s.pending
		return &st
	}

	legacy, exists := s.readLegacy()
	if !exists || len(legacy) == 0 {
		return nil
	}
	s.pending = &MigrationStatus{
		OldCount:     len(legacy),
		CurrentCount: currentCount,
		LegacyPath:   s.legacyPath,
	}
	st := *s.pending
	return &st
}

// PendingMigration returns the armed migration state, or nil.
func (s *Store) PendingMigration() *MigrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	st := *s.pending
	return &st
}

// ConfirmMigration converts every legacy record into the current schema,
// skipping records whose identity (date_timestamp) already exists in the
// current on-disk index — deduplication is by identity, not content, and
// against the index rather than the in-memory set, because on a pure-legacy
// startup the in-memory records ARE the legacy records and still need their
// format converted. The merged set is saved, the legacy file is renamed to a
// timestamped backup (never deleted), and the pending state clears. Returns
// the merged record set.
func (s *Store) ConfirmMigration(current []*core.MemoryRecord) ([]*core.MemoryRecord, *MigrationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil, nil, ErrNoPendingMigration
	}

	legacy, exists := s.readLegacy()
	if !exists {
		s.pending = nil
		return nil, nil, fmt.Errorf("legacy file vanished: %s", s.legacyPath)
	}

	indexed := make(map[string]bool)
	if data, err := os.ReadFile(s.indexPath); err == nil {
		var idx index
		if err := json.Unmarshal(data, &idx); err == nil {
			for _, entry := range idx.Entries {
				indexed[entry.ID] = true
			}
		}
	}

	inMemory := make(map[string]bool, len(current))
	for _, rec := range current {
		inMemory[rec.ID()] = true
	}

	merged := make([]*core.MemoryRecord, len(current), len(current)+len(legacy))
	copy(merged, current)

	result := &MigrationResult{}
	for _, rec := range legacy {
		if indexed[rec.ID()] {
			result.Skipped++
			continue
		}
		result.Migrated++
		if inMemory[rec.ID()] {
			// Fallback-loaded legacy record: already in memory, the save
			// below converts its storage format.
			continue
		}
		converted := *rec
		converted.TopicVector = nil
		converted.DetailsVector = nil
		if converted.ConversationCount == 0 {
			converted.ConversationCount = 1
		}
		merged = append(merged, &converted)
		inMemory[converted.ID()] = true
	}

	if err := s.saveLocked(merged); err != nil {
		return nil, nil, fmt.Errorf("save migrated records: %w", err)
	}

	backup := s.legacyPath + ".migrated_" + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(s.legacyPath, backup); err != nil {
		return nil, nil, fmt.Errorf("back up legacy file: %w", err)
	}
	result.BackupPath = backup
	s.pending = nil

	s.log.Info().
		Int("migrated", result.Migrated).
		Int("skipped", result.Skipped).
		Str("backup", backup).
		Msg("legacy migration complete")
	return merged, result, nil
}

// DeclineMigration clears the pending state and leaves the legacy file
// untouched. Migration can only be retried via a fresh detection cycle.
func (s *Store) DeclineMigration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.log.Info().Msg("legacy migration declined, legacy file retained")
	}
	s.pending = nil
}

// SaveVocab persists the encoder vocabulary in slot order so stored vectors
// keep their alignment across restarts.
func (s *Store) SaveVocab(tokens []string) error {
	data, err := json.Marshal(struct {
		Tokens []string `json:"tokens"`
	}{Tokens: tokens})
	if err != nil {
		return fmt.Errorf("marshal vocab: %w", err)
	}
	if err := os.WriteFile(s.vocabPath, data, 0o644); err != nil {
		return fmt.Errorf("write vocab: %w", err)
	}
	return nil
}

// LoadVocab returns the persisted vocabulary, or nil when absent or
// unreadable. The vocabulary is derived state: a failed load just means it
// gets rebuilt from record topics.
func (s *Store) LoadVocab() []string {
	data, err := os.ReadFile(s.vocabPath)
	if err != nil {
		return nil
	}
	var wrapped struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		s.log.Warn().Err(err).Msg("vocab file corrupt, rebuilding from records")
		return nil
	}
	return wrapped.Tokens
}
