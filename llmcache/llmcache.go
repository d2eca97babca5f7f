// Package llmcache fronts the translation and summary LLM calls with a
// permanent content-addressable cache: identical (document, prompt,
// model, target) requests are answered from the database, and chunked
// translations fan out per-chunk with their own cache rows.
package llmcache

import (
	"context"
	"time"

	"govguide/store"
)

// WriteOutcome classifies a cache write attempt.
type WriteOutcome int

const (
	// Inserted means this writer created the cache row.
	Inserted WriteOutcome = iota
	// LostRace means a concurrent writer inserted the same key first;
	// the winner's text is authoritative.
	LostRace
	// Fatal means the write failed for a non-key reason.
	Fatal
)

// Store is the persistence surface the caches need.
type Store interface {
	GetTranslation(ctx context.Context, key store.TranslationKey) (string, error)
	InsertTranslation(ctx context.Context, key store.TranslationKey, text string) (bool, error)
	GetSummary(ctx context.Context, cacheKey string) (*store.Summary, error)
	PutSummary(ctx context.Context, cacheKey, summary string, wordCount int, ttl time.Duration) error
}
