package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Guidance documents with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    document_id TEXT NOT NULL UNIQUE,
    canonical_url TEXT UNIQUE,
    title TEXT NOT NULL,
    document_type TEXT NOT NULL DEFAULT 'guidance',
    source TEXT NOT NULL,
    filename TEXT,
    mime TEXT,
    content_sha256 TEXT NOT NULL,
    raw_content TEXT NOT NULL DEFAULT '',
    guidance_text TEXT NOT NULL,
    processing_success INTEGER,
    chrome_stats JSON,
    chunk_count INTEGER DEFAULT 0,
    stripper_version TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    reprocessed_at DATETIME
);

-- Ordered chunks per document
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_pk INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    content TEXT NOT NULL,
    UNIQUE(document_pk, chunk_index)
);

-- Vector embeddings via sqlite-vec (local backend)
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;

-- Ingestion jobs (url fetches and uploads)
CREATE TABLE IF NOT EXISTS ingestion_jobs (
    id INTEGER PRIMARY KEY,
    job_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    url TEXT,
    filename TEXT,
    state TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    document_pk INTEGER REFERENCES documents(id),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Per-document reprocessing jobs
CREATE TABLE IF NOT EXISTS processing_jobs (
    id INTEGER PRIMARY KEY,
    document_pk INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    batch_id TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'queued',
    progress INTEGER DEFAULT 0,
    retry_count INTEGER DEFAULT 0,
    error TEXT,
    worker_id TEXT,
    stripper_version TEXT,
    queued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    finished_at DATETIME
);

-- Claimable work queue backing the reprocessing workers
CREATE TABLE IF NOT EXISTS processing_queue (
    id INTEGER PRIMARY KEY,
    processing_job_id INTEGER NOT NULL REFERENCES processing_jobs(id) ON DELETE CASCADE,
    priority INTEGER DEFAULT 0,
    queued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    claimed_by TEXT,
    claimed_at DATETIME
);

-- Translation cache keyed by the full request identity.
-- Hash columns hold 32-char hex cache keys.
CREATE TABLE IF NOT EXISTS translation_cache (
    id INTEGER PRIMARY KEY,
    document_id TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    reading_level TEXT NOT NULL,
    prompt_hash TEXT NOT NULL,
    model TEXT NOT NULL,
    translated_text TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(document_id, source_hash, reading_level, prompt_hash, model)
);

-- Summary cache with TTL expiry
CREATE TABLE IF NOT EXISTS summary_cache (
    id INTEGER PRIMARY KEY,
    cache_key TEXT NOT NULL UNIQUE,
    summary TEXT NOT NULL,
    word_count INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME NOT NULL
);

-- Named prompt versions (soft delete)
CREATE TABLE IF NOT EXISTS prompt_versions (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    content TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

-- Singleton production prompt with an optimistic lock counter
CREATE TABLE IF NOT EXISTS production_prompt (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    content TEXT NOT NULL,
    lock_counter INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Append-only audit trail
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY,
    event TEXT NOT NULL,
    actor TEXT NOT NULL,
    subject TEXT,
    outcome TEXT NOT NULL,
    context JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_pk);
CREATE INDEX IF NOT EXISTS idx_documents_sha ON documents(content_sha256);
CREATE INDEX IF NOT EXISTS idx_documents_success ON documents(processing_success);
CREATE INDEX IF NOT EXISTS idx_processing_jobs_batch ON processing_jobs(batch_id);
CREATE INDEX IF NOT EXISTS idx_processing_jobs_state ON processing_jobs(state);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON processing_queue(claimed_by, priority DESC, queued_at ASC);
CREATE INDEX IF NOT EXISTS idx_summary_expiry ON summary_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event, created_at);
`, embeddingDim)
}
