// Package retrieval answers queries over ingested guidance with
// hybrid lexical+dense search, weighted rank fusion and optional
// LLM reranking.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"govguide/llm"
	"govguide/store"
	"govguide/vectorstore"
)

// ErrNoResults indicates the query matched nothing.
var ErrNoResults = errors.New("retrieval: no results")

// Config carries the retrieval feature flags and tuning knobs.
type Config struct {
	QueryRewrite bool    `json:"query_rewrite"`
	HybridSearch bool    `json:"hybrid_search"`
	Reranking    bool    `json:"reranking"`
	TopK         int     `json:"top_k"`
	RerankTopK   int     `json:"rerank_top_k"`
	BM25Weight   float64 `json:"bm25_weight"`
}

// Metadata describes how a query was answered.
type Metadata struct {
	TookMS            int64  `json:"took_ms"`
	TotalResults      int    `json:"total_results"`
	QueryPreprocessed bool   `json:"query_preprocessed"`
	HybridSearchUsed  bool   `json:"hybrid_search_used"`
	RerankingUsed     bool   `json:"reranking_used"`
	EffectiveQuery    string `json:"effective_query,omitempty"`
}

// Response is the full answer to one retrieval query.
type Response struct {
	Results  []Result `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// Lexical is the BM25 search surface the pipeline needs.
type Lexical interface {
	SearchBM25(ctx context.Context, query string, limit int) ([]store.LexicalResult, error)
}

// Pipeline wires the retrieval stages together.
type Pipeline struct {
	cfg      Config
	lexical  Lexical
	dense    vectorstore.Store
	embedder llm.Embedder
	chat     llm.Provider
}

// New builds a Pipeline. chat may be nil when reranking is disabled.
func New(cfg Config, lexical Lexical, dense vectorstore.Store, embedder llm.Embedder, chat llm.Provider) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = 5
	}
	if cfg.BM25Weight <= 0 || cfg.BM25Weight >= 1 {
		cfg.BM25Weight = 0.3
	}
	return &Pipeline{cfg: cfg, lexical: lexical, dense: dense, embedder: embedder, chat: chat}
}

// Query runs the full pipeline: acronym expansion, hybrid search with
// RRF fusion, then optional reranking of the head.
func (p *Pipeline) Query(ctx context.Context, query string) (*Response, error) {
	start := time.Now()

	meta := Metadata{}
	effective := query
	if p.cfg.QueryRewrite {
		expanded, changed := ExpandAcronyms(query)
		effective = expanded
		meta.QueryPreprocessed = changed
	}
	meta.EffectiveQuery = effective

	denseResults, err := p.denseSearch(ctx, effective)
	if err != nil {
		return nil, err
	}

	var results []Result
	if p.cfg.HybridSearch {
		bm25Results, err := p.bm25Search(ctx, effective)
		if err != nil {
			// Lexical trouble degrades to dense-only rather than failing
			// the query.
			slog.Warn("retrieval: bm25 search failed, dense only", "error", err)
			results = denseResults
		} else {
			results = fuseRRF(bm25Results, denseResults, p.cfg.BM25Weight, p.cfg.TopK)
			meta.HybridSearchUsed = true
		}
	} else {
		results = denseResults
	}
	if len(results) > p.cfg.TopK {
		results = results[:p.cfg.TopK]
	}

	if len(results) == 0 {
		return nil, ErrNoResults
	}

	if p.cfg.Reranking && p.chat != nil {
		reranked, err := p.rerank(ctx, effective, results)
		if err != nil {
			slog.Warn("retrieval: rerank failed, keeping fused order", "error", err)
		} else {
			results = reranked
			meta.RerankingUsed = true
		}
	}

	meta.TookMS = time.Since(start).Milliseconds()
	meta.TotalResults = len(results)

	return &Response{Results: results, Metadata: meta}, nil
}

func (p *Pipeline) denseSearch(ctx context.Context, query string) ([]Result, error) {
	vecs, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors", len(vecs))
	}

	hits, err := p.dense.Search(ctx, vecs[0], p.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			DocumentID:   h.Record.DocumentID,
			ChunkText:    h.Record.ChunkText,
			Title:        h.Record.Title,
			URL:          h.Record.URL,
			DocumentType: h.Record.DocumentType,
			Score:        h.Score,
			DenseRank:    h.Rank,
		})
	}
	return results, nil
}

func (p *Pipeline) bm25Search(ctx context.Context, query string) ([]Result, error) {
	// Deeper lexical candidate pool than the final page so fusion has
	// real overlap to work with.
	hits, err := p.lexical.SearchBM25(ctx, query, 5*p.cfg.TopK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			DocumentID: h.DocumentID,
			ChunkText:  h.Content,
			Title:      h.Title,
			URL:        h.URL,
			Score:      h.Score,
			BM25Rank:   h.Rank,
		})
	}
	return results, nil
}

// rerank asks the chat model to reorder the candidate list by relevance
// and returns the top RerankTopK results with fresh position-based
// scores. Candidates beyond the reranked page are dropped.
func (p *Pipeline) rerank(ctx context.Context, query string, results []Result) ([]Result, error) {
	n := p.cfg.RerankTopK
	if n > len(results) {
		n = len(results)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rank these %d passages by relevance to the query.\n", len(results))
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n\n", i, snippet(r.ChunkText, 500))
	}
	b.WriteString(`Respond with JSON only: {"order": [most relevant index, ...]}`)

	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You rank search results for UK government guidance. Respond with JSON only."},
			{Role: "user", Content: b.String()},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Order []int `json:"order"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("parsing rerank response: %w", err)
	}

	reordered := make([]Result, 0, n)
	used := make(map[int]bool)
	for _, idx := range parsed.Order {
		if idx < 0 || idx >= len(results) || used[idx] {
			continue
		}
		used[idx] = true
		reordered = append(reordered, results[idx])
	}
	// Candidates the model dropped keep their fused order as backfill.
	for i := 0; i < len(results) && len(reordered) < n; i++ {
		if !used[i] {
			used[i] = true
			reordered = append(reordered, results[i])
		}
	}
	if len(reordered) > n {
		reordered = reordered[:n]
	}
	// Reranked results carry position-based scores; the fused scores no
	// longer describe the ordering.
	for i := range reordered {
		reordered[i].Score = float64(n-i) / float64(n)
	}
	return reordered, nil
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractJSON pulls the outermost JSON object out of a chat reply that
// may be wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
