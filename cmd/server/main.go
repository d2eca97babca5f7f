package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"govguide"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// .env is optional; real env vars win over it either way.
	_ = godotenv.Load()

	cfg := govguide.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			slog.Error("reading config", "error", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
	}

	// Override from environment variables.
	if v := os.Getenv("GOVGUIDE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GOVGUIDE_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("GOVGUIDE_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("GOVGUIDE_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("GOVGUIDE_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("GOVGUIDE_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("GOVGUIDE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("GOVGUIDE_EMBED_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = dim
		}
	}
	if v := os.Getenv("GOVGUIDE_VECTOR_BACKEND"); v != "" {
		cfg.Vector.Backend = v
	}
	if v := os.Getenv("GOVGUIDE_QDRANT_HOST"); v != "" {
		cfg.Vector.Host = v
	}
	if v := os.Getenv("GOVGUIDE_QDRANT_API_KEY"); v != "" {
		cfg.Vector.APIKey = v
	}
	if v := os.Getenv("GOVGUIDE_BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("GOVGUIDE_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("GOVGUIDE_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}

	apiKey := os.Getenv("GOVGUIDE_API_KEY")
	corsOrigins := os.Getenv("GOVGUIDE_CORS_ORIGINS")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	svc, err := govguide.New(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("creating service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	h := newHandler(svc)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest/url", h.handleIngestURL)
	mux.HandleFunc("POST /ingest/upload", h.handleIngestUpload)
	mux.HandleFunc("POST /crawl", h.handleCrawl)
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /documents/{id}", h.handleGetDocument)
	mux.HandleFunc("POST /translate", h.handleTranslate)
	mux.HandleFunc("POST /documents/{id}/summary", h.handleSummarize)

	mux.HandleFunc("POST /documents/reprocess-failed", h.handleReprocess)
	mux.HandleFunc("GET /documents/reprocessing-status/{id}", h.handleBatchStatus)
	mux.HandleFunc("GET /documents/reprocessing-status/{id}/stream", h.handleBatchStream)
	mux.HandleFunc("POST /documents/reprocessing-status/{id}/cancel", h.handleBatchCancel)
	mux.HandleFunc("POST /documents/reprocessing-status/{id}/retry", h.handleBatchRetry)

	mux.HandleFunc("GET /admin/prompts", h.handleListPrompts)
	mux.HandleFunc("POST /admin/prompts", h.handleCreatePrompt)
	mux.HandleFunc("GET /admin/prompts/production", h.handleProductionPrompt)
	mux.HandleFunc("GET /admin/prompts/backups", h.handlePromptBackups)
	mux.HandleFunc("GET /admin/prompts/{name}", h.handleGetPrompt)
	mux.HandleFunc("DELETE /admin/prompts/{name}", h.handleDeletePrompt)
	mux.HandleFunc("POST /admin/prompts/{name}/restore", h.handleRestorePrompt)
	mux.HandleFunc("GET /admin/prompts/{name}/preview", h.handlePreviewPrompt)
	mux.HandleFunc("POST /admin/prompts/{name}/promote", h.handlePromotePrompt)

	mux.HandleFunc("GET /admin/audit", h.handleAudit)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (SSE, long crawls)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
