package decode

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"govguide/strip"
)

// pdfDecoder extracts plain text from PDF pages. Pages that fail to
// extract are skipped rather than failing the whole document.
type pdfDecoder struct{}

func (d *pdfDecoder) Extensions() []string { return []string{"pdf"} }

func (d *pdfDecoder) Decode(ctx context.Context, filename string, content []byte) (string, *strip.Stats, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", nil, fmt.Errorf("opening pdf: %w", err)
	}

	var b strings.Builder
	extracted := 0
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if extracted > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		extracted++
	}

	if extracted == 0 {
		return "", nil, fmt.Errorf("%s: no extractable text (scanned pdf?)", filename)
	}
	return b.String(), nil, nil
}
