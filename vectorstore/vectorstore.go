// Package vectorstore abstracts the dense vector index behind a single
// gateway interface with a Qdrant backend for deployments and a local
// sqlite-vec backend for single-node use.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrUnavailable indicates the vector backend cannot be reached.
var ErrUnavailable = errors.New("vectorstore: backend unavailable")

// ChunkRecord is one embedded chunk with its retrieval payload.
type ChunkRecord struct {
	DocumentID   string  `json:"document_id"`
	DocumentPK   int64   `json:"document_pk"`
	ChunkIndex   int     `json:"chunk_index"`
	ChunkText    string  `json:"chunk_text"`
	Title        string  `json:"title"`
	URL          string  `json:"url,omitempty"`
	DocumentType string  `json:"document_type"`
	ChunkID      int64   `json:"chunk_id,omitempty"` // local backend row id
	Embedding    []float32 `json:"-"`
}

// SearchHit is one dense retrieval result, rank 1-based.
type SearchHit struct {
	Record ChunkRecord `json:"record"`
	Score  float64     `json:"score"`
	Rank   int         `json:"rank"`
}

// Info reports backend introspection for the admin surface.
type Info struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection,omitempty"`
	Points     uint64 `json:"points"`
	Dim        int    `json:"dim"`
}

// Store is the vector index gateway.
type Store interface {
	// Upsert writes or replaces chunk records. Point identity derives
	// from (document_id, chunk_index), so re-ingesting a document
	// overwrites its old vectors.
	Upsert(ctx context.Context, records []ChunkRecord) error

	// Search returns the top-k nearest chunks to the query vector.
	Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error)

	// ListByDocument returns all stored records for one document.
	ListByDocument(ctx context.Context, documentID string) ([]ChunkRecord, error)

	// DeleteByDocument removes all vectors for one document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Stats reports point counts and backend identity.
	Stats(ctx context.Context) (*Info, error)

	Close() error
}

// pointID derives a deterministic UUID-format id from a document id and
// chunk index. The format (8-4-4-4-12 hex) satisfies qdrant's UUID point
// ids and makes upserts idempotent.
func pointID(documentID string, chunkIndex int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", documentID, chunkIndex)))
	// Force version 5 and variant bits so the result is a valid UUID.
	h[6] = (h[6] & 0x0f) | 0x50
	h[8] = (h[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}
