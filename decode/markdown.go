package decode

import (
	"bytes"
	"context"

	"github.com/yuin/goldmark"

	"govguide/strip"
)

// markdownDecoder renders markdown to HTML and reuses the HTML path, so
// GOV.UK chrome embedded in markdown exports is stripped the same way.
type markdownDecoder struct{}

func (d *markdownDecoder) Extensions() []string { return []string{"md", "markdown"} }

func (d *markdownDecoder) Decode(ctx context.Context, filename string, content []byte) (string, *strip.Stats, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(content, &buf); err != nil {
		return "", nil, err
	}
	return (&htmlDecoder{}).Decode(ctx, filename, buf.Bytes())
}
