package llmcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"govguide/chunker"
	"govguide/fingerprint"
	"govguide/llm"
	"govguide/store"
)

// modelOutputLimits maps model names to their output token limits. The
// chunking decision derives from these; unknown models get the default.
var modelOutputLimits = map[string]int{
	"gpt-4o":                    16384,
	"gpt-4o-mini":               16384,
	"claude-sonnet-4-20250514":  64000,
	"google/gemini-2.5-flash":   65535,
	"meta-llama/llama-3.3-70b":  4096,
	"mistralai/mistral-large":   8192,
}

const defaultOutputLimit = 4096

// expansionFactor estimates how much longer a simplified or translated
// rendering runs than its source.
const expansionFactor = 1.2

// TranslateRequest asks for one document rendering.
type TranslateRequest struct {
	DocumentID     string `json:"document_id"`
	SourceText     string `json:"source_text"`
	TargetLanguage string `json:"target_language"` // language code or reading level, e.g. "cy", "grade8"
	Model          string `json:"model"`
	PromptTemplate string `json:"prompt_template"`
}

// TranslateResult is the rendering plus cache provenance.
type TranslateResult struct {
	Text       string `json:"text"`
	Cached     bool   `json:"cached"`
	Chunked    bool   `json:"chunked"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	Model      string `json:"model"`
}

// Translator serves translations through the cache.
type Translator struct {
	store    Store
	provider llm.Provider
}

// NewTranslator builds a Translator.
func NewTranslator(s Store, provider llm.Provider) *Translator {
	return &Translator{store: s, provider: provider}
}

// Translate returns the cached rendering when one exists, otherwise
// calls the model (chunking when the input would overflow its output
// budget) and caches the result.
func (t *Translator) Translate(ctx context.Context, req TranslateRequest) (*TranslateResult, error) {
	if req.SourceText == "" {
		return nil, errors.New("llmcache: empty source text")
	}
	if req.Model == "" {
		return nil, errors.New("llmcache: model required")
	}

	key := t.cacheKey(req, "")
	if text, err := t.store.GetTranslation(ctx, key); err == nil {
		return &TranslateResult{Text: text, Cached: true, Model: req.Model}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	budget := chunker.BudgetForModel(outputLimit(req.Model), expansionFactor)
	if chunker.EstimateTokens(req.SourceText) > budget {
		return t.translateChunked(ctx, req, budget)
	}

	text, err := t.callModel(ctx, req, req.SourceText)
	if err != nil {
		return nil, err
	}

	switch outcome, winner := t.writeThrough(ctx, key, text); outcome {
	case Fatal:
		return nil, fmt.Errorf("caching translation for %s", req.DocumentID)
	case LostRace:
		// Two clients translated concurrently; serve the winner's text
		// so both see identical output.
		text = winner
	}

	return &TranslateResult{Text: text, Model: req.Model}, nil
}

// translateChunked splits the source on section boundaries, translates
// chunks concurrently with per-chunk cache rows, and recombines.
func (t *Translator) translateChunked(ctx context.Context, req TranslateRequest, budget int) (*TranslateResult, error) {
	c := chunker.New(chunker.Config{MaxTokens: budget})
	chunks := c.Chunk(req.SourceText)
	if len(chunks) == 0 {
		return nil, errors.New("llmcache: source text chunked to nothing")
	}

	slog.Info("llmcache: chunked translation",
		"document_id", req.DocumentID,
		"chunks", len(chunks),
		"budget_tokens", budget,
		"model", req.Model)

	parts := make([]string, len(chunks))
	var cachedChunks atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ch := range chunks {
		g.Go(func() error {
			chunkKey := t.cacheKey(req, fmt.Sprintf("%s_chunk_%d", req.DocumentID, i))

			if text, err := t.store.GetTranslation(gctx, chunkKey); err == nil {
				parts[i] = text
				cachedChunks.Add(1)
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			text, err := t.callModel(gctx, req, ch.Text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}

			switch outcome, winner := t.writeThrough(gctx, chunkKey, text); outcome {
			case Fatal:
				return fmt.Errorf("caching chunk %d", i)
			case LostRace:
				text = winner
			}
			parts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &TranslateResult{
		Text:       chunker.Combine(parts),
		Cached:     int(cachedChunks.Load()) == len(chunks),
		Chunked:    true,
		ChunkCount: len(chunks),
		Model:      req.Model,
	}, nil
}

// writeThrough inserts a cache row. On a lost race it re-reads the
// winner's row; a miss after losing the race means the winner rolled
// back, so it retries the insert once.
func (t *Translator) writeThrough(ctx context.Context, key store.TranslationKey, text string) (WriteOutcome, string) {
	for attempt := 0; attempt < 2; attempt++ {
		inserted, err := t.store.InsertTranslation(ctx, key, text)
		if err != nil {
			slog.Error("llmcache: cache write failed", "error", err)
			return Fatal, ""
		}
		if inserted {
			return Inserted, text
		}
		winner, err := t.store.GetTranslation(ctx, key)
		if err == nil {
			return LostRace, winner
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("llmcache: winner readback failed", "error", err)
			return Fatal, ""
		}
		// Winner vanished between insert and read. One more try.
	}
	return Fatal, ""
}

func (t *Translator) callModel(ctx context.Context, req TranslateRequest, text string) (string, error) {
	resp, err := t.provider.Chat(ctx, llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: "system", Content: req.PromptTemplate},
			{Role: "user", Content: text},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	return resp.Content, nil
}

// cacheKey builds the cache identity for one rendering. documentID
// overrides the request's own id for chunk rows ("<doc>_chunk_<i>");
// pass "" for the monolithic rendering.
func (t *Translator) cacheKey(req TranslateRequest, documentID string) store.TranslationKey {
	if documentID == "" {
		documentID = req.DocumentID
	}
	return store.TranslationKey{
		DocumentID:   documentID,
		SourceHash:   fingerprint.CacheKey(req.SourceText),
		ReadingLevel: req.TargetLanguage,
		PromptHash:   fingerprint.CacheKey(req.PromptTemplate),
		Model:        req.Model,
	}
}

func outputLimit(model string) int {
	if limit, ok := modelOutputLimits[model]; ok {
		return limit
	}
	return defaultOutputLimit
}
