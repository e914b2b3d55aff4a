// Package summarizer condenses raw conversation transcripts into the short
// texts the memory lake persists: a topic line, a context paragraph, and a
// per-round condensed transcript.
//
// The actual text generation is delegated to a Backend, which is the only
// swappable piece: any text-in/text-out backend works. Service layers the
// shared retry contract on top and never returns an error to its caller —
// terminal failures degrade to sentinel strings so a broken or offline
// backend can never crash or stall the save pipeline.
package summarizer

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sentinel strings stored when every retry is exhausted. Callers can detect
// them but are not expected to: a record with a sentinel topic is still a
// valid record.
const (
	FailedTopic   = "summary failed"
	FailedContext = "context summary failed"
	FailedDetails = "conversation details unavailable"
)

// Role labels used in transcripts. The lake builds transcripts with these
// prefixes and round splitting keys on them.
const (
	UserLabel      = "User:"
	AssistantLabel = "Assistant:"
)

// Summarizer is the capability the memory lake consumes. Implementations
// must not return errors through these methods; failure is expressed as a
// sentinel or fallback string.
type Summarizer interface {
	// SummarizeTopic returns a short topic line (~40 chars) synthesizing
	// the whole conversation, not just the last turn.
	SummarizeTopic(ctx context.Context, conversation string) string

	// SummarizeContext returns a chronological 80-200 character paragraph
	// retaining concrete entities (names, numbers, places).
	SummarizeContext(ctx context.Context, conversation string) string

	// SummarizeDetails returns a condensed transcript: each user/assistant
	// round summarized independently, reassembled in original order.
	SummarizeDetails(ctx context.Context, conversation string) string
}

// Backend is the raw text-generation call. Any remote or local model
// satisfying this signature can back a Service.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config holds the retry and shaping parameters shared by all three
// operations.
type Config struct {
	// MaxAttempts caps calls per operation, including the first.
	MaxAttempts int
	// BaseDelay is the first retry delay; each retry doubles it.
	BaseDelay time.Duration
	// AttemptTimeout bounds a single backend call.
	AttemptTimeout time.Duration
	// RoundWorkers bounds concurrent per-round summarization calls.
	RoundWorkers int
	// RoundSummaryMax caps each round summary, in runes.
	RoundSummaryMax int
	// TopicMax caps the topic line, in runes.
	TopicMax int
	// ContextMax caps the context paragraph, in runes.
	ContextMax int
}

// DefaultConfig returns the production retry contract: up to 5 attempts with
// exponential backoff from 2s, 3 concurrent round workers.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		BaseDelay:       2 * time.Second,
		AttemptTimeout:  240 * time.Second,
		RoundWorkers:    3,
		RoundSummaryMax: 300,
		TopicMax:        40,
		ContextMax:      200,
	}
}

// Service implements Summarizer over a Backend.
type Service struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger
}

// NewService creates a Service. Zero-valued config fields fall back to
// DefaultConfig values.
func NewService(backend Backend, cfg Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RoundWorkers <= 0 {
		cfg.RoundWorkers = def.RoundWorkers
	}
	if cfg.RoundSummaryMax <= 0 {
		cfg.RoundSummaryMax = def.RoundSummaryMax
	}
	if cfg.TopicMax <= 0 {
		cfg.TopicMax = def.TopicMax
	}
	if cfg.ContextMax <= 0 {
		cfg.ContextMax = def.ContextMax
	}
	return &Service{
		backend: backend,
		cfg:     cfg,
		log:     logger.With().Str("component", "summarizer").Logger(),
	}
}

var errEmptyResponse = errors.New("empty backend response")

// generate runs one backend call with the shared retry contract: per-attempt
// timeout, exponential backoff from BaseDelay, at most MaxAttempts calls.
// Empty responses count as failures.
func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.cfg.BaseDelay << 4
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() (string, error) {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()

		out, err := s.backend.Generate(cctx, prompt)
		if err != nil {
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("backend call failed")
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			s.log.Debug().Int("attempt", attempt).Msg("backend returned empty response")
			return "", errEmptyResponse
		}
		return out, nil
	}

	return backoff.RetryWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxAttempts-1)), ctx))
}

// SummarizeTopic implements Summarizer.
func (s *Service) SummarizeTopic(ctx context.Context, conversation string) string {
	if strings.TrimSpace(conversation) == "" {
		return FailedTopic
	}
	out, err := s.generate(ctx, topicPrompt(conversation, s.cfg.TopicMax))
	if err != nil {
		s.log.Warn().Err(err).Msg("topic summarization exhausted retries")
		return FailedTopic
	}
	return truncateRunes(firstLine(out), s.cfg.TopicMax)
}

// SummarizeContext implements Summarizer.
func (s *Service) SummarizeContext(ctx context.Context, conversation string) string {
	if strings.TrimSpace(conversation) == "" {
		return FailedContext
	}
	out, err := s.generate(ctx, contextPrompt(conversation, s.cfg.ContextMax))
	if err != nil {
		s.log.Warn().Err(err).Msg("context summarization exhausted retries")
		return FailedContext
	}
	return truncateRunes(out, s.cfg.ContextMax)
}

// SummarizeDetails implements Summarizer. Rounds are summarized independently
// with bounded concurrency and reassembled by original round index, so
// completion order never affects the output.
func (s *Service) SummarizeDetails(ctx context.Context, conversation string) string {
	rounds := SplitRounds(conversation)
	if len(rounds) == 0 {
		return FailedDetails
	}

	results := make([]string, len(rounds))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.RoundWorkers)
	for i, r := range rounds {
		i, r := i, r
		g.Go(func() error {
			results[i] = s.summarizeRound(ctx, r)
			return nil
		})
	}
	// Workers never return errors; failures become per-round fallbacks.
	_ = g.Wait()

	return strings.Join(results, "\n")
}

// summarizeRound condenses one round, substituting a deterministic local
// fallback when retries are exhausted. A round is never dropped.
func (s *Service) summarizeRound(ctx context.Context, r Round) string {
	out, err := s.generate(ctx, roundPrompt(r.Text(), s.cfg.RoundSummaryMax))
	if err != nil {
		s.log.Warn().Err(err).Msg("round summarization exhausted retries, using local fallback")
		return truncateRunes(r.Fallback(), s.cfg.RoundSummaryMax)
	}
	return truncateRunes(out, s.cfg.RoundSummaryMax)
}

// Round is one user message plus the following assistant message.
type Round struct {
	UserLines      []string
	AssistantLines []string
}

// Text rebuilds the round with role labels for prompting.
func (r Round) Text() string {
	var parts []string
	if len(r.UserLines) > 0 {
		parts = append(parts, UserLabel+" "+strings.Join(r.UserLines, " "))
	}
	if len(r.AssistantLines) > 0 {
		parts = append(parts, AssistantLabel+" "+strings.Join(r.AssistantLines, " "))
	}
	return strings.Join(parts, "\n")
}

// Fallback builds a deterministic local summary from the first line of each
// role, used when the backend is unreachable.
func (r Round) Fallback() string {
	var parts []string
	if len(r.UserLines) > 0 {
		parts = append(parts, UserLabel+" "+r.UserLines[0])
	}
	if len(r.AssistantLines) > 0 {
		parts = append(parts, AssistantLabel+" "+r.AssistantLines[0])
	}
	return strings.Join(parts, "\n")
}

// SplitRounds divides a labeled transcript into discrete question/answer
// rounds. A "User:" line starts a new round, an "Assistant:" line attaches to
// the current one, and continuation lines belong to the most recent role.
// Unlabeled leading text is treated as user speech.
func SplitRounds(conversation string) []Round {
	var rounds []Round
	var cur *Round
	lastAssistant := false

	closeRound := func() {
		if cur != nil && (len(cur.UserLines) > 0 || len(cur.AssistantLines) > 0) {
			rounds = append(rounds, *cur)
		}
		cur = nil
	}

	for _, raw := range strings.Split(conversation, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, UserLabel):
			closeRound()
			cur = &Round{}
			lastAssistant = false
			if rest := strings.TrimSpace(strings.TrimPrefix(line, UserLabel)); rest != "" {
				cur.UserLines = append(cur.UserLines, rest)
			}
		case strings.HasPrefix(line, AssistantLabel):
			if cur == nil {
				cur = &Round{}
			}
			lastAssistant = true
			if rest := strings.TrimSpace(strings.TrimPrefix(line, AssistantLabel)); rest != "" {
				cur.AssistantLines = append(cur.AssistantLines, rest)
			}
		default:
			if cur == nil {
				cur = &Round{}
				lastAssistant = false
			}
			if lastAssistant {
				cur.AssistantLines = append(cur.AssistantLines, line)
			} else {
				cur.UserLines = append(cur.UserLines, line)
			}
		}
	}
	closeRound()
	return rounds
}

func topicPrompt(conversation string, maxChars int) string {
	var b strings.Builder
	b.WriteString("Summarize the topic of the ENTIRE conversation below in at most ")
	b.WriteString(strconv.Itoa(maxChars))
	b.WriteString(" characters. Cover every subject discussed, not just the last exchange; ")
	b.WriteString("join multiple subjects descriptively. Reply with the topic only.\n\n")
	b.WriteString(conversation)
	return b.String()
}

func contextPrompt(conversation string, maxChars int) string {
	var b strings.Builder
	b.WriteString("Write a chronological summary of the conversation below in 80 to ")
	b.WriteString(strconv.Itoa(maxChars))
	b.WriteString(" characters. Keep concrete entities: names, numbers, places. ")
	b.WriteString("Reply with the summary only.\n\n")
	b.WriteString(conversation)
	return b.String()
}

func roundPrompt(round string, maxChars int) string {
	var b strings.Builder
	b.WriteString("Condense the question/answer exchange below to at most ")
	b.WriteString(strconv.Itoa(maxChars))
	b.WriteString(" characters. Keep the 'User:' and 'Assistant:' labels and all concrete ")
	b.WriteString("facts (figures, names, file paths). Reply with the condensed exchange only.\n\n")
	b.WriteString(round)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
