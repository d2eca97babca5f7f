package govguide

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the govguide service.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.govguide/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is
	// not explicitly set. "home" (default) uses ~/.govguide/, "local"
	// uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Vector store. Backend "qdrant" talks to a Qdrant server; "local"
	// uses the embedded sqlite-vec table.
	Vector VectorConfig `json:"vector" yaml:"vector"`

	// Object store for production prompt backups (S3-compatible).
	Backup BackupConfig `json:"backup" yaml:"backup"`

	// Retrieval feature flags and tuning.
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`

	// Crawling.
	CrawlRatePerSecond float64 `json:"crawl_rate_per_second" yaml:"crawl_rate_per_second"`
	CrawlMaxDepth      int     `json:"crawl_max_depth" yaml:"crawl_max_depth"`

	// Chunking.
	ChunkSizeTokens int `json:"chunk_size_tokens" yaml:"chunk_size_tokens"`

	// Batch processing.
	ParallelWorkers int `json:"parallel_workers" yaml:"parallel_workers"`
	RetryAttempts   int `json:"retry_attempts" yaml:"retry_attempts"`

	// Embedding dimensions (must match the embedding model).
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single provider endpoint.
type LLMConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	// Referer and Title are optional attribution headers some gateways
	// (e.g. OpenRouter) accept.
	Referer string `json:"referer,omitempty" yaml:"referer,omitempty"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
}

// VectorConfig configures the vector store gateway.
type VectorConfig struct {
	Backend    string `json:"backend" yaml:"backend"` // "qdrant" or "local"
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Collection string `json:"collection" yaml:"collection"`
	UseTLS     bool   `json:"use_tls" yaml:"use_tls"`
}

// BackupConfig configures the S3-compatible object store used for
// production prompt backups.
type BackupConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// RetrievalConfig holds the retrieval pipeline feature flags and tuning.
type RetrievalConfig struct {
	QueryRewrite bool    `json:"query_rewrite" yaml:"query_rewrite"`
	HybridSearch bool    `json:"hybrid_search" yaml:"hybrid_search"`
	Reranking    bool    `json:"reranking" yaml:"reranking"`
	TopK         int     `json:"top_k" yaml:"top_k"`
	RerankTopK   int     `json:"rerank_top_k" yaml:"rerank_top_k"`
	BM25Weight   float64 `json:"bm25_weight" yaml:"bm25_weight"`
}

// DefaultConfig returns a Config with sensible defaults for local use.
func DefaultConfig() Config {
	return Config{
		DBName:     "govguide",
		StorageDir: "home",
		Chat: LLMConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "http://localhost:11434/v1",
		},
		Embedding: LLMConfig{
			Model:   "nomic-embed-text",
			BaseURL: "http://localhost:8085",
		},
		Vector: VectorConfig{
			Backend:    "local",
			Host:       "localhost",
			Port:       6334,
			Collection: "guidance_chunks",
		},
		Backup: BackupConfig{
			Bucket: "govguide-backups",
			Prefix: "prompt-backups",
		},
		Retrieval: RetrievalConfig{
			QueryRewrite: true,
			HybridSearch: true,
			Reranking:    true,
			TopK:         10,
			RerankTopK:   5,
			BM25Weight:   0.3,
		},
		CrawlRatePerSecond: 1.0,
		CrawlMaxDepth:      20,
		ChunkSizeTokens:    512,
		ParallelWorkers:    4,
		RetryAttempts:      3,
		EmbeddingDim:       768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "govguide"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".govguide", name+".db")
	}
}
