package decode

import (
	"context"
	"strings"

	"govguide/strip"
)

// textDecoder passes UTF-8 plain text through unchanged apart from
// whitespace normalization. No chrome stats apply.
type textDecoder struct{}

func (d *textDecoder) Extensions() []string { return []string{"txt"} }

func (d *textDecoder) Decode(_ context.Context, _ string, content []byte) (string, *strip.Stats, error) {
	return strings.TrimSpace(strings.ReplaceAll(string(content), "\r\n", "\n")), nil, nil
}
