// Package encoder implements a deterministic, dependency-free text encoder.
//
// It maintains a growing vocabulary that maps each distinct token to a stable
// slot index and encodes text into term-frequency vectors over that
// vocabulary. There is no learned model and no network call: retrieval works
// fully offline and is trivially reproducible, at the cost of weaker semantic
// matching than a real embedding. The lake compensates with a keyword
// fallback and a blended topic/details score.
//
// Vocabulary slots are append-only. A token's slot never changes once
// assigned, so vectors encoded under an older, smaller vocabulary stay
// comparable with newer ones over their shared index range.
package encoder

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// Encoder turns text into term-frequency vectors over a growing vocabulary.
// Safe for concurrent use.
type Encoder struct {
	mu    sync.RWMutex
	vocab map[string]int // token -> slot
	slots []string       // slot -> token, in assignment order
}

// Stats reports encoder diagnostics.
type Stats struct {
	VocabSize int `json:"vocab_size"`
}

// New creates an empty encoder.
func New() *Encoder {
	return &Encoder{vocab: make(map[string]int)}
}

// Tokenize lowercases text and splits it on non-alphanumeric boundaries.
// Contiguous letter/digit runs (including CJK runs) become one token; empty
// tokens are dropped.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// UpdateVocab assigns the next free slot to every previously-unseen token in
// texts. Known tokens are untouched, so the call is idempotent for them and
// existing slot assignments never change.
func (e *Encoder) UpdateVocab(texts ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, text := range texts {
		for _, tok := range Tokenize(text) {
			if _, ok := e.vocab[tok]; ok {
				continue
			}
			e.vocab[tok] = len(e.slots)
			e.slots = append(e.slots, tok)
		}
	}
}

// Encode returns a term-frequency vector whose length equals the current
// vocabulary size. Repeated tokens increase their slot's weight; tokens
// outside the vocabulary contribute nothing. Returns nil when the vocabulary
// is empty or the text has no tokens, signalling "could not encode" so the
// caller can take its keyword-fallback path.
func (e *Encoder) Encode(text string) []float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.slots) == 0 {
		return nil
	}

	vec := make([]float64, len(e.slots))
	for _, tok := range tokens {
		if slot, ok := e.vocab[tok]; ok {
			vec[slot]++
		}
	}
	return vec
}

// Similarity computes cosine similarity in [0, 1] between two vectors of
// potentially different lengths. When lengths differ the comparison covers
// only the shorter vector's index range, treating the extra dimensions as
// zero. Returns 0 if either vector is empty or has zero magnitude over that
// range.
func (e *Encoder) Similarity(a, b []float64) float64 {
	return CosineSimilarity(a, b)
}

// CosineSimilarity is the package-level form of Encoder.Similarity.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Term frequencies are non-negative, so cosine is already in [0, 1];
	// clamp float rounding at the edges.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// VocabSize returns the current vocabulary size, which is also the length of
// any vector Encode produces right now.
func (e *Encoder) VocabSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.slots)
}

// GetStats returns encoder diagnostics.
func (e *Encoder) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{VocabSize: len(e.slots)}
}

// SnapshotVocab returns the vocabulary tokens in slot order. The snapshot can
// be persisted and fed back to LoadVocab so stored vectors keep their slot
// alignment across restarts.
func (e *Encoder) SnapshotVocab() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.slots))
	copy(out, e.slots)
	return out
}

// LoadVocab replaces the vocabulary with tokens in the given slot order.
// Duplicate tokens keep their first slot. Intended for restoring a
// SnapshotVocab on startup, before any UpdateVocab calls.
func (e *Encoder) LoadVocab(tokens []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vocab = make(map[string]int, len(tokens))
	e.slots = e.slots[:0]
	for _, tok := range tokens {
		if _, ok := e.vocab[tok]; ok {
			continue
		}
		e.vocab[tok] = len(e.slots)
		e.slots = append(e.slots, tok)
	}
}
