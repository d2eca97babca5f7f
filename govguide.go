// Package govguide assembles the ingestion, retrieval and admin
// subsystems of the guidance service behind one facade.
package govguide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"govguide/audit"
	"govguide/batch"
	"govguide/chunker"
	"govguide/crawler"
	"govguide/decode"
	"govguide/llm"
	"govguide/llmcache"
	"govguide/prompts"
	"govguide/retrieval"
	"govguide/store"
	"govguide/strip"
	"govguide/vectorstore"
)

// Service owns all subsystems. Create with New, release with Close.
type Service struct {
	cfg Config

	store    *store.Store
	chat     llm.Provider
	embedder llm.Embedder
	dense    vectorstore.Store

	registry   *decode.Registry
	crawler    *crawler.Crawler
	pipeline   *retrieval.Pipeline
	translator *llmcache.Translator
	summarizer *llmcache.Summarizer
	prompts    *prompts.Manager
	batches    *batch.Manager
	pool       *batch.Pool
	audit      audit.Sink
}

// New builds the service from configuration: opens the database, wires
// the LLM providers, the vector backend, and every manager on top.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}

	st, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		store:    st,
		chat:     llm.NewOpenAICompat(llmConfig(cfg.Chat)),
		embedder: llm.NewTEIEmbedder(llmConfig(cfg.Embedding)),
		registry: decode.NewRegistry(cfg.ChunkSizeTokens),
		audit:    audit.NewStoreSink(st),
	}

	switch cfg.Vector.Backend {
	case "", "local":
		s.dense = vectorstore.NewLocal(st)
	case "qdrant":
		s.dense, err = vectorstore.NewQdrant(ctx, vectorstore.QdrantConfig{
			Host:       cfg.Vector.Host,
			Port:       cfg.Vector.Port,
			APIKey:     cfg.Vector.APIKey,
			Collection: cfg.Vector.Collection,
			UseTLS:     cfg.Vector.UseTLS,
			Dim:        cfg.EmbeddingDim,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	default:
		st.Close()
		return nil, fmt.Errorf("%w: unknown vector backend %q", ErrInvalidConfig, cfg.Vector.Backend)
	}

	var objects prompts.ObjectStore
	if cfg.Backup.Endpoint != "" {
		objects, err = prompts.NewMinioStore(ctx, prompts.MinioConfig{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			UseSSL:    cfg.Backup.UseSSL,
		})
		if err != nil {
			s.dense.Close()
			st.Close()
			return nil, err
		}
	} else {
		slog.Warn("govguide: no backup endpoint configured, prompt backups are in-memory only")
		objects = prompts.NewMemoryStore()
	}

	s.crawler = crawler.New(crawler.Config{
		MaxDepth:      cfg.CrawlMaxDepth,
		RatePerSecond: cfg.CrawlRatePerSecond,
	}, crawler.NewGate())

	s.pipeline = retrieval.New(retrieval.Config{
		QueryRewrite: cfg.Retrieval.QueryRewrite,
		HybridSearch: cfg.Retrieval.HybridSearch,
		Reranking:    cfg.Retrieval.Reranking,
		TopK:         cfg.Retrieval.TopK,
		RerankTopK:   cfg.Retrieval.RerankTopK,
		BM25Weight:   cfg.Retrieval.BM25Weight,
	}, st, s.dense, s.embedder, s.chat)

	s.translator = llmcache.NewTranslator(st, s.chat)
	s.summarizer = llmcache.NewSummarizer(st, s.chat, cfg.Chat.Model)
	s.prompts = prompts.NewManager(st, objects, s.audit)
	s.batches = batch.NewManager(st, s.audit)
	s.pool = batch.NewPool(st, s.embedder, s.dense)

	return s, nil
}

// Close releases the vector backend and the database.
func (s *Service) Close() error {
	s.dense.Close()
	return s.store.Close()
}

// Store exposes the database layer for admin surfaces.
func (s *Service) Store() *store.Store { return s.store }

// Prompts exposes prompt version management.
func (s *Service) Prompts() *prompts.Manager { return s.prompts }

// Batches exposes batch control.
func (s *Service) Batches() *batch.Manager { return s.batches }

// Vectors exposes the dense index gateway.
func (s *Service) Vectors() vectorstore.Store { return s.dense }

// IngestResult reports one ingested document.
type IngestResult struct {
	JobID       string       `json:"job_id,omitempty"`
	DocumentID  string       `json:"document_id"`
	Title       string       `json:"title"`
	ChunkCount  int          `json:"chunk_count"`
	ChromeStats *strip.Stats `json:"chrome_stats,omitempty"`
}

// IngestUpload decodes an uploaded file and indexes it. The run is
// tracked as an ingestion job either way.
func (s *Service) IngestUpload(ctx context.Context, filename string, content []byte, declaredMIME string) (*IngestResult, error) {
	jobID := uuid.NewString()
	if _, err := s.store.CreateIngestionJob(ctx, jobID, "upload", "", filename); err != nil {
		return nil, fmt.Errorf("creating ingestion job: %w", err)
	}
	s.markIngestionStarted(ctx, jobID)

	res, err := s.registry.Decode(ctx, filename, content, declaredMIME)
	if err != nil {
		return nil, s.failIngestion(ctx, jobID, err)
	}

	doc := store.Document{
		DocumentID:    uuid.NewString(),
		Title:         titleFromText(res.Text, filename),
		DocumentType:  "upload",
		Source:        "upload",
		Filename:      filename,
		MIME:          res.MIME,
		ContentSHA256: res.SHA256,
		GuidanceText:  res.Text,
	}
	// HTML uploads keep their raw markup so reprocessing can re-strip
	// with the current stripper.
	if res.MIME == "text/html" {
		doc.RawContent = string(content)
	}
	if res.ChromeStats != nil {
		doc.ChromeStats = res.ChromeStats.JSON()
	}
	return s.finishIngestion(ctx, jobID, doc, res.Chunks)
}

// IngestURL fetches one gov.uk page through the security gate, strips
// its chrome and indexes it. Returns store.ErrDuplicateURL when the
// canonical URL was already ingested.
func (s *Service) IngestURL(ctx context.Context, rawURL string) (*IngestResult, error) {
	jobID := uuid.NewString()
	if _, err := s.store.CreateIngestionJob(ctx, jobID, "url", rawURL, ""); err != nil {
		return nil, fmt.Errorf("creating ingestion job: %w", err)
	}
	s.markIngestionStarted(ctx, jobID)

	page, err := s.crawler.FetchPage(ctx, rawURL)
	if err != nil {
		return nil, s.failIngestion(ctx, jobID, err)
	}

	res, err := s.registry.Decode(ctx, "page.html", []byte(page.HTML), "text/html")
	if err != nil {
		return nil, s.failIngestion(ctx, jobID, err)
	}

	doc := store.Document{
		DocumentID:    uuid.NewString(),
		CanonicalURL:  rawURL,
		Title:         page.Title,
		DocumentType:  "guidance",
		Source:        "url",
		MIME:          "text/html",
		ContentSHA256: res.SHA256,
		RawContent:    page.HTML,
		GuidanceText:  res.Text,
	}
	if doc.Title == "" {
		doc.Title = titleFromText(res.Text, rawURL)
	}
	if res.ChromeStats != nil {
		doc.ChromeStats = res.ChromeStats.JSON()
	}
	return s.finishIngestion(ctx, jobID, doc, res.Chunks)
}

// finishIngestion indexes the document and closes out the job record.
func (s *Service) finishIngestion(ctx context.Context, jobID string, doc store.Document, chunks []chunker.Chunk) (*IngestResult, error) {
	res, pk, err := s.indexDocument(ctx, doc, chunks)
	if err != nil {
		return nil, s.failIngestion(ctx, jobID, err)
	}
	if err := s.store.UpdateIngestionJob(ctx, jobID, store.IngestCompleted, "", &pk); err != nil {
		slog.Error("govguide: closing ingestion job", "job_id", jobID, "error", err)
	}
	res.JobID = jobID
	return res, nil
}

// markIngestionStarted moves a fresh job out of pending.
func (s *Service) markIngestionStarted(ctx context.Context, jobID string) {
	if err := s.store.UpdateIngestionJob(ctx, jobID, store.IngestInProgress, "", nil); err != nil {
		slog.Error("govguide: marking ingestion started", "job_id", jobID, "error", err)
	}
}

// failIngestion records the failure on the job and passes the original
// error through.
func (s *Service) failIngestion(ctx context.Context, jobID string, cause error) error {
	if err := s.store.UpdateIngestionJob(ctx, jobID, store.IngestFailed, cause.Error(), nil); err != nil {
		slog.Error("govguide: recording ingestion failure", "job_id", jobID, "error", err)
	}
	return cause
}

// CrawlResult summarises a seeded crawl plus the documents it ingested.
type CrawlResult struct {
	DiscoveredURLs int            `json:"discovered_urls"`
	FilteredCount  int            `json:"filtered_count"`
	StoppedAtDepth bool           `json:"stopped_at_depth"`
	Ingested       []IngestResult `json:"ingested"`
	Skipped        int            `json:"skipped"`
}

// Crawl walks guidance pages breadth-first from a seed URL and ingests
// every page that passes the guidance filter. Pages whose canonical URL
// is already stored are skipped, not failed.
func (s *Service) Crawl(ctx context.Context, seed string) (*CrawlResult, error) {
	res, err := s.crawler.Crawl(ctx, seed)
	if err != nil {
		return nil, err
	}

	out := &CrawlResult{
		DiscoveredURLs: res.DiscoveredURLs,
		FilteredCount:  res.FilteredCount,
		StoppedAtDepth: res.StoppedAtDepth,
	}
	for _, page := range res.ScrapedPages {
		decoded, err := s.registry.Decode(ctx, "page.html", []byte(page.HTML), "text/html")
		if err != nil {
			slog.Warn("govguide: crawled page failed to decode", "url", page.URL, "error", err)
			out.Skipped++
			continue
		}
		doc := store.Document{
			DocumentID:    uuid.NewString(),
			CanonicalURL:  page.URL,
			Title:         page.Title,
			DocumentType:  "guidance",
			Source:        "crawl",
			MIME:          "text/html",
			ContentSHA256: decoded.SHA256,
			RawContent:    page.HTML,
			GuidanceText:  decoded.Text,
		}
		if decoded.ChromeStats != nil {
			doc.ChromeStats = decoded.ChromeStats.JSON()
		}
		ingested, _, err := s.indexDocument(ctx, doc, decoded.Chunks)
		if errors.Is(err, store.ErrDuplicateURL) {
			out.Skipped++
			continue
		}
		if err != nil {
			return out, err
		}
		out.Ingested = append(out.Ingested, *ingested)
	}
	return out, nil
}

// indexDocument stores the document, its chunks and embeddings, and
// marks it processed.
func (s *Service) indexDocument(ctx context.Context, doc store.Document, chunks []chunker.Chunk) (*IngestResult, int64, error) {
	pk, err := s.store.InsertDocument(ctx, doc)
	if err != nil {
		return nil, 0, err
	}

	rows := make([]store.Chunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		rows[i] = store.Chunk{Index: ch.Index, Start: ch.Start, End: ch.End, Content: ch.Text}
		texts[i] = ch.Text
	}
	chunkIDs, err := s.store.ReplaceChunks(ctx, pk, rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storing chunks: %w", err)
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		// Keep the document but flag it so a reprocessing batch can
		// repair it once the embedding backend recovers.
		if uerr := s.store.UpdateDocumentProcessed(ctx, pk, false,
			"", doc.ChromeStats, strip.Version, 0); uerr != nil {
			slog.Error("govguide: flagging failed document", "document_id", doc.DocumentID, "error", uerr)
		}
		return nil, 0, fmt.Errorf("embedding %s: %w", doc.DocumentID, err)
	}

	records := make([]vectorstore.ChunkRecord, len(chunks))
	for i := range chunks {
		records[i] = vectorstore.ChunkRecord{
			DocumentID:   doc.DocumentID,
			DocumentPK:   pk,
			ChunkIndex:   chunks[i].Index,
			ChunkText:    chunks[i].Text,
			Title:        doc.Title,
			URL:          doc.CanonicalURL,
			DocumentType: doc.DocumentType,
			ChunkID:      chunkIDs[i],
			Embedding:    embeddings[i],
		}
	}
	if err := s.dense.Upsert(ctx, records); err != nil {
		return nil, 0, fmt.Errorf("indexing %s: %w", doc.DocumentID, err)
	}

	if err := s.store.UpdateDocumentProcessed(ctx, pk, true,
		doc.GuidanceText, doc.ChromeStats, strip.Version, len(chunks)); err != nil {
		return nil, 0, err
	}

	var stats *strip.Stats
	if doc.ChromeStats != "" {
		stats = strip.StatsFromJSON(doc.ChromeStats)
	}
	return &IngestResult{
		DocumentID:  doc.DocumentID,
		Title:       doc.Title,
		ChunkCount:  len(chunks),
		ChromeStats: stats,
	}, pk, nil
}

// Query runs the retrieval pipeline.
func (s *Service) Query(ctx context.Context, query string) (*retrieval.Response, error) {
	return s.pipeline.Query(ctx, query)
}

// Translate renders a stored document in a target language or reading
// level, through the write-through cache.
func (s *Service) Translate(ctx context.Context, documentID, targetLanguage, promptName string) (*llmcache.TranslateResult, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	template := ""
	if promptName != "" {
		v, err := s.prompts.Get(ctx, promptName)
		if err != nil {
			return nil, err
		}
		template = v.Content
	} else if p, err := s.prompts.Production(ctx); err == nil {
		template = p.Content
	}
	if template == "" {
		template = "Rewrite the following UK government guidance for the requested audience. Keep every factual detail."
	}

	return s.translator.Translate(ctx, llmcache.TranslateRequest{
		DocumentID:     doc.DocumentID,
		SourceText:     doc.GuidanceText,
		TargetLanguage: targetLanguage,
		Model:          s.cfg.Chat.Model,
		PromptTemplate: template,
	})
}

// Summarize returns a cached summary of a stored document.
func (s *Service) Summarize(ctx context.Context, documentID string) (*llmcache.SummaryResult, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.summarizer.Summarize(ctx, doc.DocumentID, doc.GuidanceText)
}

// ReprocessFailed creates a batch over failed documents and starts the
// worker pool in the background. The returned batch id can be polled
// via Batches().Status.
func (s *Service) ReprocessFailed(ctx context.Context, cfg batch.Config, actor string) (*batch.StartResult, error) {
	if cfg.Workers == 0 {
		cfg.Workers = s.cfg.ParallelWorkers
	}
	res, err := s.batches.ReprocessFailed(ctx, cfg, actor)
	if err != nil {
		return nil, err
	}

	go func() {
		// Detached from the request context: the batch outlives it.
		if err := s.pool.Run(context.Background(), res.BatchID, cfg); err != nil {
			slog.Error("govguide: batch run failed", "batch_id", res.BatchID, "error", err)
		}
	}()
	return res, nil
}

func llmConfig(c LLMConfig) llm.Config {
	return llm.Config{
		Model:   c.Model,
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Referer: c.Referer,
		Title:   c.Title,
	}
}

// titleFromText takes the first markdown header or line as the title.
func titleFromText(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if len(line) > 120 {
				line = line[:120]
			}
			return line
		}
	}
	return fallback
}
