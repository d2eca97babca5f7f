// Package chunker splits cleaned guidance text into ordered chunks on
// section and sentence boundaries, sized against a token budget.
package chunker

import (
	"strings"
)

// Chunk is one ordered piece of a document. Start and End are byte
// offsets into the cleaned source text.
type Chunk struct {
	Index int    `json:"index"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// bytesPerToken is the approximation used when no tokenizer is
// available: roughly 4 bytes of English text per model token.
const bytesPerToken = 4

// Config controls chunking behaviour.
type Config struct {
	MaxTokens int // token budget per chunk
}

// Chunker converts cleaned text into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker. Zero-value MaxTokens defaults to 512.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	return &Chunker{cfg: cfg}
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// BudgetForModel derives a chunk token budget from a model's output
// token limit: limit scaled by a 0.8 safety factor and divided by the
// per-model output expansion factor (how much longer translations run
// than their source; default 1.2).
func BudgetForModel(outputLimit int, expansionFactor float64) int {
	if expansionFactor <= 0 {
		expansionFactor = 1.2
	}
	return int(float64(outputLimit) * 0.8 / expansionFactor)
}

// Chunk splits text into ordered chunks. Sections (lines starting with
// ## or ###) are hard boundaries; within a section the split falls on
// sentence boundaries once a chunk approaches the token budget.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	for _, sec := range splitSections(text) {
		c.chunkSection(text, sec.start, sec.end, &chunks)
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

type span struct {
	start, end int
}

// splitSections finds [start,end) byte spans delimited by markdown
// section headers (## and ###) at line starts.
func splitSections(text string) []span {
	var starts []int
	starts = append(starts, 0)
	for i := 0; i < len(text); i++ {
		if text[i] != '#' {
			continue
		}
		if i > 0 && text[i-1] != '\n' {
			continue
		}
		// Only ## and ### headers start sections; a # document title
		// stays with the leading section.
		if strings.HasPrefix(text[i:], "## ") || strings.HasPrefix(text[i:], "### ") {
			if i != 0 {
				starts = append(starts, i)
			}
		}
	}

	spans := make([]span, 0, len(starts))
	for i, s := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if strings.TrimSpace(text[s:end]) == "" {
			continue
		}
		spans = append(spans, span{start: s, end: end})
	}
	return spans
}

// chunkSection splits one section's span into budget-sized chunks at
// sentence boundaries, appending to out.
func (c *Chunker) chunkSection(text string, start, end int, out *[]Chunk) {
	section := text[start:end]
	if EstimateTokens(section) <= c.cfg.MaxTokens {
		appendChunk(out, text, start, end)
		return
	}

	sentences := splitSentences(section)
	chunkStart := start
	chunkEnd := start
	for _, s := range sentences {
		sentStart := start + s.start
		sentEnd := start + s.end
		if chunkEnd > chunkStart &&
			EstimateTokens(text[chunkStart:sentEnd]) > c.cfg.MaxTokens {
			appendChunk(out, text, chunkStart, chunkEnd)
			chunkStart = sentStart
		}
		chunkEnd = sentEnd
	}
	if chunkEnd > chunkStart {
		appendChunk(out, text, chunkStart, chunkEnd)
	}
}

func appendChunk(out *[]Chunk, text string, start, end int) {
	body := strings.TrimSpace(text[start:end])
	if body == "" {
		return
	}
	*out = append(*out, Chunk{Start: start, End: end, Text: body})
}

// splitSentences returns sentence spans relative to the input. A
// sentence ends at ./?/! followed by whitespace or end of input.
func splitSentences(text string) []span {
	var spans []span
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '?' && ch != '!' {
			continue
		}
		if i+1 < len(text) {
			next := text[i+1]
			if next != ' ' && next != '\n' && next != '\t' {
				continue
			}
		}
		spans = append(spans, span{start: start, end: i + 1})
		start = i + 1
	}
	if start < len(text) && strings.TrimSpace(text[start:]) != "" {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// Combine reassembles translated chunk texts into one document. The
// first chunk is kept verbatim; each subsequent chunk drops its leading
// document header and is appended starting at its first ## section, so
// repeated titles from per-chunk translation don't stack up.
func Combine(parts []string) string {
	if len(parts) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(parts[0]))

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if idx := firstSectionIndex(p); idx >= 0 {
			p = p[idx:]
		}
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	return b.String()
}

// firstSectionIndex returns the byte offset of the first ## header at a
// line start, or -1.
func firstSectionIndex(text string) int {
	if strings.HasPrefix(text, "## ") {
		return 0
	}
	if idx := strings.Index(text, "\n## "); idx >= 0 {
		return idx + 1
	}
	return -1
}
