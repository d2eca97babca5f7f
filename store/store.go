// Package store wraps the SQLite database for all govguide persistence:
// documents, chunks, the FTS5 lexical index, the local sqlite-vec
// embedding table, job state, caches, prompts and the audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Sentinel errors returned by lookups.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateURL   = errors.New("store: canonical url already ingested")
	ErrPromptNotFound = errors.New("store: prompt not found")
	ErrPromptConflict = errors.New("store: prompt lock counter moved")
)

// Document represents a row in the documents table.
type Document struct {
	PK                int64      `json:"pk"`
	DocumentID        string     `json:"document_id"`
	CanonicalURL      string     `json:"canonical_url,omitempty"`
	Title             string     `json:"title"`
	DocumentType      string     `json:"document_type"`
	Source            string     `json:"source"`
	Filename          string     `json:"filename,omitempty"`
	MIME              string     `json:"mime,omitempty"`
	ContentSHA256     string     `json:"content_sha256"`
	RawContent        string     `json:"-"`
	GuidanceText      string     `json:"guidance_text"`
	ProcessingSuccess *bool      `json:"processing_success"`
	ChromeStats       string     `json:"chrome_stats,omitempty"` // JSON
	ChunkCount        int        `json:"chunk_count"`
	StripperVersion   string     `json:"stripper_version,omitempty"`
	CreatedAt         string     `json:"created_at"`
	UpdatedAt         string     `json:"updated_at"`
	ReprocessedAt     *time.Time `json:"reprocessed_at,omitempty"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID         int64  `json:"id"`
	DocumentPK int64  `json:"document_pk"`
	Index      int    `json:"chunk_index"`
	Start      int    `json:"start_offset"`
	End        int    `json:"end_offset"`
	Content    string `json:"content"`
}

// LexicalResult is one BM25 hit, rank 1-based in score order.
type LexicalResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentPK int64   `json:"document_pk"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
}

// Store wraps the SQLite database.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// InsertDocument stores a new document. Returns ErrDuplicateURL when the
// canonical URL is already present.
func (s *Store) InsertDocument(ctx context.Context, doc Document) (int64, error) {
	var url any
	if doc.CanonicalURL != "" {
		url = doc.CanonicalURL
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (document_id, canonical_url, title, document_type, source,
			filename, mime, content_sha256, raw_content, guidance_text, processing_success,
			chrome_stats, chunk_count, stripper_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.DocumentID, url, doc.Title, doc.DocumentType, doc.Source,
		doc.Filename, doc.MIME, doc.ContentSHA256, doc.RawContent, doc.GuidanceText, doc.ProcessingSuccess,
		nullable(doc.ChromeStats), doc.ChunkCount, nullable(doc.StripperVersion))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateURL
		}
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateDocumentProcessed records the outcome of a (re)processing run.
func (s *Store) UpdateDocumentProcessed(ctx context.Context, pk int64, success bool,
	guidanceText, chromeStats, stripperVersion string, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			processing_success = ?,
			guidance_text = CASE WHEN ? THEN ? ELSE guidance_text END,
			chrome_stats = ?,
			stripper_version = ?,
			chunk_count = ?,
			reprocessed_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, success, success, guidanceText, nullable(chromeStats), stripperVersion, chunkCount, pk)
	return err
}

// GetDocument retrieves a document by primary key.
func (s *Store) GetDocument(ctx context.Context, pk int64) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, documentSelect+" WHERE id = ?", pk))
}

// GetDocumentByID retrieves a document by its public document_id.
func (s *Store) GetDocumentByID(ctx context.Context, documentID string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, documentSelect+" WHERE document_id = ?", documentID))
}

// GetDocumentByURL retrieves a document by canonical URL.
func (s *Store) GetDocumentByURL(ctx context.Context, url string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, documentSelect+" WHERE canonical_url = ?", url))
}

const documentSelect = `
	SELECT id, document_id, canonical_url, title, document_type, source,
		filename, mime, content_sha256, raw_content, guidance_text, processing_success,
		chrome_stats, chunk_count, stripper_version, created_at, updated_at, reprocessed_at
	FROM documents`

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	doc := &Document{}
	var url, filename, mime, stats, version sql.NullString
	var success sql.NullBool
	var reprocessed sql.NullTime
	err := row.Scan(&doc.PK, &doc.DocumentID, &url, &doc.Title, &doc.DocumentType, &doc.Source,
		&filename, &mime, &doc.ContentSHA256, &doc.RawContent, &doc.GuidanceText, &success,
		&stats, &doc.ChunkCount, &version, &doc.CreatedAt, &doc.UpdatedAt, &reprocessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.CanonicalURL = url.String
	doc.Filename = filename.String
	doc.MIME = mime.String
	doc.ChromeStats = stats.String
	doc.StripperVersion = version.String
	if success.Valid {
		doc.ProcessingSuccess = &success.Bool
	}
	if reprocessed.Valid {
		t := reprocessed.Time
		doc.ReprocessedAt = &t
	}
	return doc, nil
}

// ListFailedDocuments returns documents whose last processing run failed
// or never completed. Documents without stored text are skipped; there is
// nothing to rechunk.
func (s *Store) ListFailedDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+`
		WHERE (processing_success = 0 OR processing_success IS NULL)
			AND (raw_content <> '' OR guidance_text <> '')
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectDocuments(rows)
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+" ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectDocuments(rows)
}

func (s *Store) collectDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		var url, filename, mime, stats, version sql.NullString
		var success sql.NullBool
		var reprocessed sql.NullTime
		if err := rows.Scan(&d.PK, &d.DocumentID, &url, &d.Title, &d.DocumentType, &d.Source,
			&filename, &mime, &d.ContentSHA256, &d.RawContent, &d.GuidanceText, &success,
			&stats, &d.ChunkCount, &version, &d.CreatedAt, &d.UpdatedAt, &reprocessed); err != nil {
			return nil, err
		}
		d.CanonicalURL = url.String
		d.Filename = filename.String
		d.MIME = mime.String
		d.ChromeStats = stats.String
		d.StripperVersion = version.String
		if success.Valid {
			d.ProcessingSuccess = &success.Bool
		}
		if reprocessed.Valid {
			t := reprocessed.Time
			d.ReprocessedAt = &t
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Chunk operations ---

// ReplaceChunks atomically swaps a document's chunks. FTS triggers keep
// the lexical index in sync.
func (s *Store) ReplaceChunks(ctx context.Context, documentPK int64, chunks []Chunk) ([]int64, error) {
	var ids []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_pk = ?", documentPK); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_pk, chunk_index, start_offset, end_offset, content)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			res, err := stmt.ExecContext(ctx, documentPK, c.Index, c.Start, c.End, c.Content)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE documents SET chunk_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			len(chunks), documentPK)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetChunksByDocument returns a document's chunks in order.
func (s *Store) GetChunksByDocument(ctx context.Context, documentPK int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_pk, chunk_index, start_offset, end_offset, content
		FROM chunks WHERE document_pk = ? ORDER BY chunk_index
	`, documentPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentPK, &c.Index, &c.Start, &c.End, &c.Content); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Lexical search ---

// SearchBM25 performs a full-text search using FTS5 BM25 ranking.
// Results carry a 1-based rank in score order.
func (s *Store) SearchBM25(ctx context.Context, query string, limit int) ([]LexicalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank, c.content, c.document_pk,
			d.document_id, d.title, d.canonical_url
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_pk
		WHERE chunks_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, ftsQuote(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		var r LexicalResult
		var rank float64
		var url sql.NullString
		if err := rows.Scan(&r.ChunkID, &rank, &r.Content, &r.DocumentPK,
			&r.DocumentID, &r.Title, &url); err != nil {
			return nil, err
		}
		r.URL = url.String
		// FTS5 rank is negative (lower = better), convert to positive score
		r.Score = -rank
		r.Rank = len(results) + 1
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuote wraps each query term in double quotes so user input cannot
// inject FTS5 query syntax.
func ftsQuote(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '"'
	})
	for i, f := range fields {
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " ")
}

// --- Local embeddings (sqlite-vec) ---

// InsertEmbedding stores or replaces a chunk embedding.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// DeleteEmbeddingsByDocument removes all embeddings for a document.
func (s *Store) DeleteEmbeddingsByDocument(ctx context.Context, documentPK int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE chunk_id IN (
			SELECT id FROM chunks WHERE document_pk = ?
		)`, documentPK)
	return err
}

// VectorResult is one KNN hit from the local embedding table.
type VectorResult struct {
	ChunkID      int64   `json:"chunk_id"`
	DocumentPK   int64   `json:"document_pk"`
	DocumentID   string  `json:"document_id"`
	DocumentType string  `json:"document_type"`
	ChunkIndex   int     `json:"chunk_index"`
	Content      string  `json:"content"`
	Title        string  `json:"title"`
	URL          string  `json:"url,omitempty"`
	Score        float64 `json:"score"`
}

// VectorSearch performs a KNN search returning the top-k nearest chunks.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]VectorResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance, c.content, c.chunk_index, c.document_pk,
			d.document_id, d.document_type, d.title, d.canonical_url
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_pk
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []VectorResult
	for rows.Next() {
		var r VectorResult
		var distance float64
		var url sql.NullString
		if err := rows.Scan(&r.ChunkID, &distance, &r.Content, &r.ChunkIndex, &r.DocumentPK,
			&r.DocumentID, &r.DocumentType, &r.Title, &url); err != nil {
			return nil, err
		}
		r.URL = url.String
		// Convert distance to similarity score (1 - distance for cosine)
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
