package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"govguide"
	"govguide/batch"
	"govguide/crawler"
	"govguide/decode"
	"govguide/prompts"
	"govguide/retrieval"
	"govguide/store"
)

type handler struct {
	svc *govguide.Service
}

func newHandler(svc *govguide.Service) *handler {
	return &handler{svc: svc}
}

// actor identifies who performed an admin action, for the audit trail.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "admin"
}

// POST /ingest/url
func (h *handler) handleIngestURL(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, err := h.svc.IngestURL(ctx, req.URL)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrBlockedURL):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicateURL):
			writeError(w, http.StatusConflict, "url already ingested")
		default:
			writeError(w, http.StatusInternalServerError, "ingestion failed")
			slog.Error("ingest url error", "url", req.URL, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /ingest/upload
// Multipart upload with a "file" field.
func (h *handler) handleIngestUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(decode.MaxFileSize + 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart upload with 'file'")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, decode.MaxFileSize+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		slog.Error("reading upload", "error", err)
		return
	}

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)

	res, err := h.svc.IngestUpload(ctx, safeName, content, header.Header.Get("Content-Type"))
	if err != nil {
		switch {
		case errors.Is(err, decode.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, decode.ErrUnsupportedFormat):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /crawl
func (h *handler) handleCrawl(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		SeedURL string `json:"seed_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SeedURL == "" {
		writeError(w, http.StatusBadRequest, "seed_url is required")
		return
	}

	res, err := h.svc.Crawl(ctx, req.SeedURL)
	if err != nil {
		if errors.Is(err, crawler.ErrBlockedURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "crawl failed")
		slog.Error("crawl error", "seed", req.SeedURL, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	res, err := h.svc.Query(ctx, req.Query)
	if err != nil {
		if errors.Is(err, retrieval.ErrNoResults) {
			writeError(w, http.StatusNotFound, "no results found")
			return
		}
		writeError(w, http.StatusInternalServerError, "query failed")
		slog.Error("query error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Store().ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Store().GetDocumentByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// POST /translate
func (h *handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		DocumentID     string `json:"document_id"`
		TargetLanguage string `json:"target_language"`
		PromptName     string `json:"prompt_name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}
	if req.TargetLanguage == "" {
		writeError(w, http.StatusBadRequest, "target_language is required")
		return
	}

	res, err := h.svc.Translate(ctx, req.DocumentID, req.TargetLanguage, req.PromptName)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		case errors.Is(err, prompts.ErrNotFound):
			writeError(w, http.StatusNotFound, "prompt version not found")
		default:
			writeError(w, http.StatusInternalServerError, "translation failed")
			slog.Error("translate error", "document_id", req.DocumentID, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /documents/{id}/summary
func (h *handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	res, err := h.svc.Summarize(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "summary failed")
		slog.Error("summarize error", "document_id", r.PathValue("id"), "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /documents/reprocess-failed
// Returns 202 with the batch id; the batch runs in the background.
func (h *handler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workers       int `json:"workers"`
		RetryAttempts int `json:"retry_attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.svc.ReprocessFailed(r.Context(), batch.Config{
		Workers:       req.Workers,
		RetryAttempts: req.RetryAttempts,
	}, actor(r))
	if err != nil {
		var active *batch.ActiveBatchError
		switch {
		case errors.As(err, &active):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":           "a reprocessing batch is already active",
				"active_batch_id": active.BatchID,
			})
		case errors.Is(err, batch.ErrNoFailedDocuments):
			writeError(w, http.StatusNotFound, "no failed documents to reprocess")
		case errors.Is(err, batch.ErrInvalidConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "reprocess failed")
			slog.Error("reprocess error", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// GET /documents/reprocessing-status/{id}
func (h *handler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Batches().Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /documents/reprocessing-status/{id}/stream
// Server-sent events with a status snapshot every 2 seconds. The stream
// closes after the batch reaches a terminal state.
func (h *handler) handleBatchStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	batchID := r.PathValue("id")
	if _, err := h.svc.Batches().Status(r.Context(), batchID); err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		st, err := h.svc.Batches().Status(r.Context(), batchID)
		if err != nil {
			return
		}
		data, err := json.Marshal(st)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()

		if st.Status != "in_progress" {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// POST /documents/reprocessing-status/{id}/cancel
func (h *handler) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Batches().Cancel(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs_cancelled": n})
}

// POST /documents/reprocessing-status/{id}/retry
func (h *handler) handleBatchRetry(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Batches().RetryFailed(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		switch {
		case errors.Is(err, batch.ErrBatchNotFound):
			writeError(w, http.StatusNotFound, "batch not found")
		case errors.Is(err, batch.ErrNothingToRetry):
			writeError(w, http.StatusConflict, "no failed jobs to retry")
		default:
			writeError(w, http.StatusInternalServerError, "retry failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs_requeued": n})
}

// GET /admin/prompts
func (h *handler) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	versions, err := h.svc.Prompts().List(r.Context(), includeDeleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// POST /admin/prompts
func (h *handler) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.svc.Prompts().Create(r.Context(), req.Name, req.Content); err != nil {
		if errors.Is(err, prompts.ErrTooLong) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// GET /admin/prompts/production
func (h *handler) handleProductionPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Prompts().Production(r.Context())
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no production prompt promoted yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load production prompt")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /admin/prompts/backups
func (h *handler) handlePromptBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.svc.Prompts().Backups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		slog.Error("backup list error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

// GET /admin/prompts/{name}
func (h *handler) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Prompts().Get(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt version not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load prompt")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DELETE /admin/prompts/{name}
func (h *handler) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Prompts().Delete(r.Context(), r.PathValue("name"), actor(r))
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt version not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /admin/prompts/{name}/restore
func (h *handler) handleRestorePrompt(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Prompts().Restore(r.Context(), r.PathValue("name"), actor(r))
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt version not found or not deleted")
			return
		}
		writeError(w, http.StatusInternalServerError, "restore failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

// GET /admin/prompts/{name}/preview
func (h *handler) handlePreviewPrompt(w http.ResponseWriter, r *http.Request) {
	preview, err := h.svc.Prompts().PreviewPromotion(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prompt version not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "preview failed")
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// POST /admin/prompts/{name}/promote
func (h *handler) handlePromotePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirmed       bool  `json:"confirmed"`
		ExpectedCounter int64 `json:"expected_counter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.svc.Prompts().Promote(r.Context(), r.PathValue("name"),
		req.Confirmed, req.ExpectedCounter, actor(r))
	if err != nil {
		switch {
		case errors.Is(err, prompts.ErrNotConfirmed):
			writeError(w, http.StatusBadRequest, "promotion requires confirmed=true")
		case errors.Is(err, prompts.ErrNotFound):
			writeError(w, http.StatusNotFound, "prompt version not found")
		case errors.Is(err, prompts.ErrConflict):
			writeError(w, http.StatusConflict, "production prompt changed since preview, re-preview and retry")
		case errors.Is(err, prompts.ErrBackupFailed):
			writeError(w, http.StatusBadGateway, "backup failed, promotion aborted")
		default:
			writeError(w, http.StatusInternalServerError, "promotion failed")
			slog.Error("promote error", "name", r.PathValue("name"), "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /admin/audit
func (h *handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Store().ListAudit(r.Context(), r.URL.Query().Get("event"), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Vectors().Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	docs, err := h.svc.Store().ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": len(docs),
		"vector":    info,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
