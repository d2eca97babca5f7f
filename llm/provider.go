// Package llm provides chat-completion and embedding clients for the
// OpenAI-compatible and text-embeddings-inference HTTP protocols.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors for callers that branch on failure class.
var (
	ErrRequestFailed   = errors.New("llm: request failed")
	ErrEmbeddingFailed = errors.New("llm: embedding failed")
)

// Provider is the interface for chat model interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder generates dense vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures a chat or embedding client.
type Config struct {
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// Referer and Title are forwarded as HTTP-Referer and X-Title for
	// gateways (OpenRouter) that attribute traffic by application.
	Referer string `json:"referer"`
	Title   string `json:"title"`
}
