package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// teiEmbedder calls a text-embeddings-inference style endpoint:
// POST <base>/inference/<model> with {"model": ..., "inputs": [...]}.
type teiEmbedder struct {
	cfg    Config
	client *http.Client
}

// NewTEIEmbedder creates an Embedder for an inference gateway.
func NewTEIEmbedder(cfg Config) Embedder {
	return &teiEmbedder{
		cfg: cfg,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type teiRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

type teiResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *teiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(teiRequest{Model: e.cfg.Model, Inputs: texts})
	if err != nil {
		return nil, err
	}

	url := e.cfg.BaseURL + "/inference/" + e.cfg.Model

	// Fixed 2s..10s backoff over 3 attempts. Embedding gateways recover
	// fast or not at all, so exponential growth buys nothing here.
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1,
		MaxElapsedTime:  0,
		Clock:           backoff.SystemClock,
		Stop:            backoff.Stop,
	}, 2), ctx)

	var embeddings [][]float32
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading embedding response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("%w: gateway returned %d: %s",
				ErrEmbeddingFailed, resp.StatusCode, truncate(string(body), 500))
			if !retryableStatusCode(resp.StatusCode) {
				return backoff.Permanent(err)
			}
			return err
		}

		var out teiResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding embedding response: %w", err))
		}
		if len(out.Embeddings) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d embeddings for %d inputs",
				ErrEmbeddingFailed, len(out.Embeddings), len(texts)))
		}
		embeddings = out.Embeddings
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("llm: retrying embedding request", "url", url, "delay", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return embeddings, nil
}
