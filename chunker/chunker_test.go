package chunker

import (
	"strings"
	"testing"
)

func TestChunkEmpty(t *testing.T) {
	c := New(Config{MaxTokens: 100})
	if got := c.Chunk("   \n  "); got != nil {
		t.Fatalf("expected nil for blank input, got %d chunks", len(got))
	}
}

func TestChunkSingleSection(t *testing.T) {
	c := New(Config{MaxTokens: 1000})
	text := "# Visa guidance\n\nYou can apply online. Processing takes three weeks."
	chunks := c.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != len(text) {
		t.Errorf("offsets wrong: [%d,%d) want [0,%d)", chunks[0].Start, chunks[0].End, len(text))
	}
}

func TestChunkSectionBoundaries(t *testing.T) {
	c := New(Config{MaxTokens: 10000})
	text := "# Title\n\nIntro text.\n\n## Eligibility\n\nYou must be 18.\n\n## How to apply\n\nApply online."
	chunks := c.Chunk(text)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 section chunks, got %d", len(chunks))
	}
	if !strings.HasPrefix(chunks[1].Text, "## Eligibility") {
		t.Errorf("chunk 1 should start at section header, got %q", chunks[1].Text)
	}
	if !strings.HasPrefix(chunks[2].Text, "## How to apply") {
		t.Errorf("chunk 2 should start at section header, got %q", chunks[2].Text)
	}
	// Indexes are ordered 0..n-1.
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
	}
}

func TestChunkRespectsBudget(t *testing.T) {
	// ~50 sentences of ~40 bytes each = ~500 tokens; budget of 100
	// tokens forces several chunks split on sentence boundaries.
	var b strings.Builder
	b.WriteString("## Rules\n\n")
	for i := 0; i < 50; i++ {
		b.WriteString("The applicant must provide supporting evidence. ")
	}
	text := b.String()

	c := New(Config{MaxTokens: 100})
	chunks := c.Chunk(text)
	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		// A chunk may exceed the budget by at most one sentence.
		if tok := EstimateTokens(ch.Text); tok > 100+15 {
			t.Errorf("chunk %d is %d tokens, budget 100", i, tok)
		}
		if !strings.HasSuffix(strings.TrimSpace(ch.Text), ".") && i < len(chunks)-1 {
			t.Errorf("chunk %d does not end on a sentence boundary: %q", i, ch.Text[len(ch.Text)-20:])
		}
	}
}

func TestChunkOffsetsReassemble(t *testing.T) {
	text := "## A\n\nOne. Two. Three.\n\n## B\n\nFour. Five."
	c := New(Config{MaxTokens: 4})
	chunks := c.Chunk(text)

	// Offsets point back into the source and are strictly ordered.
	last := 0
	for _, ch := range chunks {
		if ch.Start < last {
			t.Errorf("chunk offsets not ordered: start %d after %d", ch.Start, last)
		}
		if strings.TrimSpace(text[ch.Start:ch.End]) != ch.Text {
			t.Errorf("offset slice mismatch for chunk %d", ch.Index)
		}
		last = ch.Start
	}
}

func TestBudgetForModel(t *testing.T) {
	if got := BudgetForModel(4096, 1.2); got != 2730 {
		t.Errorf("BudgetForModel(4096, 1.2) = %d, want 2730", got)
	}
	// Zero expansion falls back to the 1.2 default.
	if got := BudgetForModel(4096, 0); got != 2730 {
		t.Errorf("BudgetForModel(4096, 0) = %d, want 2730", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 bytes should be 1 token, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("5 bytes should round up to 2 tokens, got %d", got)
	}
}

func TestCombine(t *testing.T) {
	parts := []string{
		"# Guidance\n\nIntro.\n\n## Part one\n\nText one.",
		"# Guidance\n\n## Part two\n\nText two.",
		"# Guidance (continued)\n\n## Part three\n\nText three.",
	}
	combined := Combine(parts)

	if !strings.HasPrefix(combined, "# Guidance") {
		t.Errorf("first chunk not kept verbatim: %q", combined[:30])
	}
	if strings.Count(combined, "# Guidance") != 1 {
		t.Errorf("repeated document headers not dropped:\n%s", combined)
	}
	for _, want := range []string{"## Part one", "## Part two", "## Part three"} {
		if !strings.Contains(combined, want) {
			t.Errorf("combined output missing %q", want)
		}
	}
}

func TestCombineSingle(t *testing.T) {
	if got := Combine([]string{"only"}); got != "only" {
		t.Errorf("single part should pass through, got %q", got)
	}
	if got := Combine(nil); got != "" {
		t.Errorf("empty input should return empty string, got %q", got)
	}
}
