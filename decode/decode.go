// Package decode turns uploaded or fetched files (PDF, DOCX, HTML,
// Markdown, plain text) into clean UTF-8 guidance text plus chunks.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"govguide/chunker"
	"govguide/fingerprint"
	"govguide/strip"
)

// MaxFileSize is the upload cap. Checked before any content inspection.
const MaxFileSize = 50 << 20 // 50 MB

// Sentinel errors for callers mapping failures to API responses.
var (
	ErrUnsupportedFormat = errors.New("decode: unsupported document format")
	ErrTooLarge          = errors.New("decode: file exceeds maximum size")
)

// Result is the output record of a successful decode.
type Result struct {
	Filename    string          `json:"filename"`
	MIME        string          `json:"mime"`
	Text        string          `json:"text"`
	SHA256      string          `json:"sha256"`
	Chunks      []chunker.Chunk `json:"chunks"`
	FileSize    int             `json:"file_size"`
	ChromeStats *strip.Stats    `json:"chrome_stats,omitempty"`
}

// decoder extracts text from one format family.
type decoder interface {
	Decode(ctx context.Context, filename string, content []byte) (text string, stats *strip.Stats, err error)
	Extensions() []string
}

// allowedMIMEs maps each allow-listed extension to the declared MIME
// types accepted for it. An empty declared MIME always passes.
var allowedMIMEs = map[string][]string{
	"pdf":      {"application/pdf"},
	"docx":     {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/octet-stream"},
	"html":     {"text/html"},
	"htm":      {"text/html"},
	"md":       {"text/markdown", "text/x-markdown", "text/plain"},
	"markdown": {"text/markdown", "text/x-markdown", "text/plain"},
	"txt":      {"text/plain"},
}

// canonicalMIME is what the Result reports per extension.
var canonicalMIME = map[string]string{
	"pdf":      "application/pdf",
	"docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"html":     "text/html",
	"htm":      "text/html",
	"md":       "text/markdown",
	"markdown": "text/markdown",
	"txt":      "text/plain",
}

// oleMagic is the legacy OLE compound-file header (.doc, .xls, .ppt).
// Legacy Office formats are rejected as unsupported, not decoded.
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Registry routes files to decoders by extension after validation.
type Registry struct {
	decoders map[string]decoder
	chunker  *chunker.Chunker
}

// NewRegistry builds a registry with all built-in decoders.
func NewRegistry(chunkTokens int) *Registry {
	r := &Registry{
		decoders: make(map[string]decoder),
		chunker:  chunker.New(chunker.Config{MaxTokens: chunkTokens}),
	}
	for _, d := range []decoder{&pdfDecoder{}, &docxDecoder{}, &htmlDecoder{}, &markdownDecoder{}, &textDecoder{}} {
		for _, ext := range d.Extensions() {
			r.decoders[ext] = d
		}
	}
	return r
}

// Decode validates and decodes a file. Validation order: size,
// extension allow-list, declared MIME consistency, magic bytes.
func (r *Registry) Decode(ctx context.Context, filename string, content []byte, declaredMIME string) (*Result, error) {
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)",
			ErrTooLarge, filename, len(content), MaxFileSize)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	mimes, ok := allowedMIMEs[ext]
	if !ok {
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}

	if declaredMIME != "" && !mimeAllowed(declaredMIME, mimes) {
		return nil, fmt.Errorf("declared MIME %q does not match .%s", declaredMIME, ext)
	}

	if err := checkMagic(ext, content); err != nil {
		return nil, err
	}

	d := r.decoders[ext]
	text, stats, err := d.Decode(ctx, filename, content)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filename, err)
	}

	return &Result{
		Filename:    filename,
		MIME:        canonicalMIME[ext],
		Text:        text,
		SHA256:      fingerprint.Content(text),
		Chunks:      r.chunker.Chunk(text),
		FileSize:    len(content),
		ChromeStats: stats,
	}, nil
}

func mimeAllowed(declared string, allowed []string) bool {
	// Ignore parameters like charset.
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = declared[:i]
	}
	declared = strings.TrimSpace(strings.ToLower(declared))
	for _, m := range allowed {
		if declared == m {
			return true
		}
	}
	return false
}

// checkMagic validates format-identifying byte prefixes.
func checkMagic(ext string, content []byte) error {
	switch ext {
	case "pdf":
		if !bytes.HasPrefix(content, []byte("%PDF")) {
			return fmt.Errorf("%w: content does not start with %%PDF", ErrUnsupportedFormat)
		}
	case "docx":
		if bytes.HasPrefix(content, oleMagic) {
			return fmt.Errorf("%w: legacy .doc (OLE) files, save as .docx", ErrUnsupportedFormat)
		}
		if !bytes.HasPrefix(content, []byte("PK\x03\x04")) {
			return fmt.Errorf("%w: content is not a DOCX (zip) archive", ErrUnsupportedFormat)
		}
	case "txt", "md", "markdown", "html", "htm":
		if !utf8.Valid(content) {
			return fmt.Errorf("content is not valid UTF-8")
		}
	}
	return nil
}
