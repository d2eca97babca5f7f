package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TranslationKey identifies one cached translation. DocumentID is the
// plain document id for monolithic translations and "<doc>_chunk_<i>"
// for chunked ones. SourceHash and PromptHash are 32-char hex digests.
type TranslationKey struct {
	DocumentID   string `json:"document_id"`
	SourceHash   string `json:"source_hash"`
	ReadingLevel string `json:"reading_level"`
	PromptHash   string `json:"prompt_hash"`
	Model        string `json:"model"`
}

// GetTranslation looks up a cached translation. ErrNotFound on miss.
func (s *Store) GetTranslation(ctx context.Context, key TranslationKey) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT translated_text FROM translation_cache
		WHERE document_id = ? AND source_hash = ? AND reading_level = ?
			AND prompt_hash = ? AND model = ?`,
		key.DocumentID, key.SourceHash, key.ReadingLevel, key.PromptHash, key.Model).
		Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return text, err
}

// InsertTranslation stores a translation. Returns false without error
// when another writer got there first (unique key violation).
func (s *Store) InsertTranslation(ctx context.Context, key TranslationKey, text string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translation_cache
			(document_id, source_hash, reading_level, prompt_hash, model, translated_text)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.DocumentID, key.SourceHash, key.ReadingLevel, key.PromptHash, key.Model, text)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Summary is a cached document summary with its expiry.
type Summary struct {
	Summary   string    `json:"summary"`
	WordCount int       `json:"word_count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetSummary returns a live cached summary. Expired rows are treated as
// misses and removed lazily.
func (s *Store) GetSummary(ctx context.Context, cacheKey string) (*Summary, error) {
	sum := &Summary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT summary, word_count, expires_at FROM summary_cache WHERE cache_key = ?`,
		cacheKey).Scan(&sum.Summary, &sum.WordCount, &sum.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sum.ExpiresAt) {
		s.db.ExecContext(ctx, "DELETE FROM summary_cache WHERE cache_key = ?", cacheKey)
		return nil, ErrNotFound
	}
	return sum, nil
}

// PutSummary stores or refreshes a summary with the given TTL.
func (s *Store) PutSummary(ctx context.Context, cacheKey, summary string, wordCount int, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summary_cache (cache_key, summary, word_count, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			summary = excluded.summary,
			word_count = excluded.word_count,
			created_at = CURRENT_TIMESTAMP,
			expires_at = excluded.expires_at`,
		cacheKey, summary, wordCount, time.Now().Add(ttl))
	return err
}

// PurgeExpiredSummaries removes dead summary rows. Returns rows removed.
func (s *Store) PurgeExpiredSummaries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM summary_cache WHERE expires_at < ?", time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
