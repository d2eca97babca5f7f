// Package fingerprint provides the content and cache-key hashes used by
// deduplication and the LLM cache.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// Content returns the SHA-256 hex digest of text. Used for crawl and
// chunk deduplication, where collision resistance matters.
func Content(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ContentBytes returns the SHA-256 hex digest of raw bytes.
func ContentBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CacheKey returns the 32-char MD5 hex digest of text. Cache keys use
// MD5 because the cost of a collision is a cache miss, at worst a
// regeneration; no security property depends on it.
func CacheKey(text string) string {
	h := md5.Sum([]byte(text))
	return hex.EncodeToString(h[:])
}
