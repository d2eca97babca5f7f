package llmcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"govguide/fingerprint"
	"govguide/llm"
	"govguide/store"
)

const (
	summaryTTL      = 24 * time.Hour
	summaryMinWords = 150
	summaryMaxWords = 250
	summaryRetries  = 2
)

// ErrSummaryOutOfBand is returned when every generation attempt landed
// outside the 150-250 word band. Nothing is cached in that case.
var ErrSummaryOutOfBand = errors.New("llmcache: summary outside word band")

// SummaryResult is a document summary with cache provenance.
type SummaryResult struct {
	Summary   string `json:"summary"`
	WordCount int    `json:"word_count"`
	Cached    bool   `json:"cached"`
}

// Summarizer serves document summaries through a TTL cache.
type Summarizer struct {
	store    Store
	provider llm.Provider
	model    string
}

// NewSummarizer builds a Summarizer.
func NewSummarizer(s Store, provider llm.Provider, model string) *Summarizer {
	return &Summarizer{store: s, provider: provider, model: model}
}

// Summarize returns a 150-250 word summary, cached for 24 hours. A
// summary outside the word band is regenerated up to two times; if no
// attempt lands in band the call fails with ErrSummaryOutOfBand and
// nothing is cached.
func (s *Summarizer) Summarize(ctx context.Context, documentID, text string) (*SummaryResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("llmcache: empty document text")
	}

	cacheKey := fingerprint.CacheKey(documentID + "\x00" + fingerprint.Content(text) + "\x00" + s.model)
	if cached, err := s.store.GetSummary(ctx, cacheKey); err == nil {
		// Out-of-band rows are invalid; fall through and regenerate.
		if inBand(cached.WordCount) {
			return &SummaryResult{Summary: cached.Summary, WordCount: cached.WordCount, Cached: true}, nil
		}
		slog.Warn("llmcache: cached summary outside word band, regenerating",
			"document_id", documentID, "words", cached.WordCount)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("summary cache lookup: %w", err)
	}

	for attempt := 0; attempt <= summaryRetries; attempt++ {
		summary, err := s.generate(ctx, text, attempt)
		if err != nil {
			return nil, err
		}
		words := countWords(summary)
		if !inBand(words) {
			slog.Debug("llmcache: summary outside word band, retrying",
				"document_id", documentID, "words", words, "attempt", attempt)
			continue
		}
		if err := s.store.PutSummary(ctx, cacheKey, summary, words, summaryTTL); err != nil {
			return nil, fmt.Errorf("caching summary: %w", err)
		}
		return &SummaryResult{Summary: summary, WordCount: words}, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrSummaryOutOfBand, summaryRetries+1)
}

func (s *Summarizer) generate(ctx context.Context, text string, attempt int) (string, error) {
	prompt := fmt.Sprintf(
		"Summarise this UK government guidance in %d to %d words. Plain English, no preamble.",
		summaryMinWords, summaryMaxWords)
	if attempt > 0 {
		prompt += " Stay strictly inside the word range."
	}

	resp, err := s.provider.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summary model call: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func inBand(words int) bool {
	return words >= summaryMinWords && words <= summaryMaxWords
}
