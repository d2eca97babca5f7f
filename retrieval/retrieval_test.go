package retrieval

import (
	"context"
	"math"
	"strings"
	"testing"

	"govguide/llm"
	"govguide/store"
	"govguide/vectorstore"
)

func TestExpandAcronyms(t *testing.T) {
	cases := []struct {
		in       string
		contains string
		changed  bool
	}{
		{"how do I get ILR", "Indefinite Leave to Remain", true},
		{"ilr requirements", "Indefinite Leave to Remain", true},
		{"EUSS deadline", "EU Settlement Scheme", true},
		{"bno visa for hong kong", "British National Overseas", true},
		{"fibre broadband", "fibre broadband", false},
		{"pilrim", "pilrim", false},
	}
	for _, c := range cases {
		got, changed := ExpandAcronyms(c.in)
		if !strings.Contains(got, c.contains) {
			t.Errorf("ExpandAcronyms(%q) = %q, want to contain %q", c.in, got, c.contains)
		}
		if changed != c.changed {
			t.Errorf("ExpandAcronyms(%q) changed = %v, want %v", c.in, changed, c.changed)
		}
	}
}

func TestExpandAcronymsKeepsAcronym(t *testing.T) {
	got, _ := ExpandAcronyms("BRP card")
	if !strings.Contains(got, "BRP") {
		t.Errorf("expansion should keep the acronym for lexical matching: %q", got)
	}
}

func rrfScore(w float64, bm25Rank, denseRank int) float64 {
	return w/float64(60+bm25Rank) + (1-w)/float64(60+denseRank)
}

func TestFuseRRFOverwritesScores(t *testing.T) {
	// Dense top-3 = [A(0.95), B(0.80), C(0.70)]; BM25 top-3 = [B, A, D].
	dense := []Result{
		{DocumentID: "A", ChunkText: "a", Score: 0.95},
		{DocumentID: "B", ChunkText: "b", Score: 0.80},
		{DocumentID: "C", ChunkText: "c", Score: 0.70},
	}
	bm25 := []Result{
		{DocumentID: "B", ChunkText: "b", Score: 12.1},
		{DocumentID: "A", ChunkText: "a", Score: 9.4},
		{DocumentID: "D", ChunkText: "d", Score: 3.2},
	}

	fused := fuseRRF(bm25, dense, 0.3, 10)
	if len(fused) != 4 {
		t.Fatalf("expected 4 fused docs, got %d", len(fused))
	}

	// The dense and BM25 lists disagree on top-1; the fused winner must
	// be one of the two.
	if fused[0].DocumentID != "A" && fused[0].DocumentID != "B" {
		t.Errorf("fused top-1 = %s, want A or B", fused[0].DocumentID)
	}

	want := map[string]float64{
		"A": rrfScore(0.3, 2, 1),
		"B": rrfScore(0.3, 1, 2),
		"C": rrfScore(0.3, 999, 3),
		"D": rrfScore(0.3, 3, 999),
	}
	for _, r := range fused {
		if math.Abs(r.Score-want[r.DocumentID]) > 1e-12 {
			t.Errorf("doc %s score = %v, want RRF value %v", r.DocumentID, r.Score, want[r.DocumentID])
		}
		// Raw backend scores must never leak through fusion.
		if r.Score >= 0.05 {
			t.Errorf("doc %s score %v looks like a raw backend score", r.DocumentID, r.Score)
		}
	}

	// With dense weighted 0.7, the dense-first doc edges out.
	if fused[0].DocumentID != "A" || fused[1].DocumentID != "B" {
		t.Errorf("order = %s, %s; want A, B", fused[0].DocumentID, fused[1].DocumentID)
	}
}

func TestFuseRRFBM25WeightMonotonicity(t *testing.T) {
	dense := []Result{
		{DocumentID: "A", ChunkText: "a"},
		{DocumentID: "B", ChunkText: "b"},
	}
	bm25 := []Result{
		{DocumentID: "B", ChunkText: "b"},
		{DocumentID: "A", ChunkText: "a"},
	}

	// Low w follows dense order, high w follows BM25 order.
	low := fuseRRF(bm25, dense, 0.1, 10)
	high := fuseRRF(bm25, dense, 0.9, 10)
	if low[0].DocumentID != "A" {
		t.Errorf("w=0.1 top = %s, want A", low[0].DocumentID)
	}
	if high[0].DocumentID != "B" {
		t.Errorf("w=0.9 top = %s, want B", high[0].DocumentID)
	}
}

func TestFuseRRFTieBreak(t *testing.T) {
	// Identical ranks in both lists force the document-id tie-break.
	dense := []Result{{DocumentID: "B", ChunkText: "x"}}
	bm25 := []Result{{DocumentID: "A", ChunkText: "x"}}
	fused := fuseRRF(bm25, dense, 0.5, 10)
	if fused[0].DocumentID != "B" {
		t.Errorf("dense-ranked doc should win the tie, got %s", fused[0].DocumentID)
	}
}

// --- pipeline fakes ---

type fakeLexical struct {
	results []store.LexicalResult
	err     error
	queries []string
}

func (f *fakeLexical) SearchBM25(_ context.Context, query string, _ int) ([]store.LexicalResult, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

type fakeDense struct {
	hits []vectorstore.SearchHit
}

func (f *fakeDense) Upsert(context.Context, []vectorstore.ChunkRecord) error { return nil }
func (f *fakeDense) Search(context.Context, []float32, int) ([]vectorstore.SearchHit, error) {
	return f.hits, nil
}
func (f *fakeDense) ListByDocument(context.Context, string) ([]vectorstore.ChunkRecord, error) {
	return nil, nil
}
func (f *fakeDense) DeleteByDocument(context.Context, string) error { return nil }
func (f *fakeDense) Stats(context.Context) (*vectorstore.Info, error) {
	return &vectorstore.Info{}, nil
}
func (f *fakeDense) Close() error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeChat struct {
	reply string
}

func (f *fakeChat) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: f.reply}, nil
}

func hit(docID, text string, rank int, score float64) vectorstore.SearchHit {
	return vectorstore.SearchHit{
		Record: vectorstore.ChunkRecord{DocumentID: docID, ChunkText: text, Title: docID},
		Score:  score,
		Rank:   rank,
	}
}

func TestPipelineHybridQuery(t *testing.T) {
	lex := &fakeLexical{results: []store.LexicalResult{
		{DocumentID: "B", Content: "b text", Rank: 1, Score: 10},
		{DocumentID: "A", Content: "a text", Rank: 2, Score: 8},
	}}
	dense := &fakeDense{hits: []vectorstore.SearchHit{
		hit("A", "a text", 1, 0.95),
		hit("B", "b text", 2, 0.80),
	}}

	p := New(Config{QueryRewrite: true, HybridSearch: true, TopK: 10, BM25Weight: 0.3},
		lex, dense, fakeEmbedder{}, nil)

	resp, err := p.Query(context.Background(), "ILR rules")
	if err != nil {
		t.Fatal(err)
	}

	if !resp.Metadata.QueryPreprocessed {
		t.Error("acronym expansion should be reported")
	}
	if !resp.Metadata.HybridSearchUsed {
		t.Error("hybrid search should be reported")
	}
	if resp.Metadata.RerankingUsed {
		t.Error("reranking is off")
	}
	if resp.Metadata.TotalResults != 2 {
		t.Errorf("total = %d", resp.Metadata.TotalResults)
	}
	// The lexical index received the expanded query.
	if len(lex.queries) != 1 || !strings.Contains(lex.queries[0], "Indefinite Leave to Remain") {
		t.Errorf("lexical query = %v", lex.queries)
	}
	for _, r := range resp.Results {
		if r.Score >= 0.05 {
			t.Errorf("raw score leaked for %s: %v", r.DocumentID, r.Score)
		}
	}
}

func TestPipelineDegradesWhenLexicalFails(t *testing.T) {
	lex := &fakeLexical{err: context.DeadlineExceeded}
	dense := &fakeDense{hits: []vectorstore.SearchHit{hit("A", "a", 1, 0.9)}}

	p := New(Config{HybridSearch: true, TopK: 5}, lex, dense, fakeEmbedder{}, nil)
	resp, err := p.Query(context.Background(), "visa")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Metadata.HybridSearchUsed {
		t.Error("hybrid should be reported off after lexical failure")
	}
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != "A" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestPipelineNoResults(t *testing.T) {
	p := New(Config{TopK: 5}, &fakeLexical{}, &fakeDense{}, fakeEmbedder{}, nil)
	_, err := p.Query(context.Background(), "anything")
	if err != ErrNoResults {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestPipelineRerank(t *testing.T) {
	dense := &fakeDense{hits: []vectorstore.SearchHit{
		hit("A", "a", 1, 0.9),
		hit("B", "b", 2, 0.8),
		hit("C", "c", 3, 0.7),
	}}
	chat := &fakeChat{reply: `{"order": [2, 0, 1]}`}

	p := New(Config{Reranking: true, TopK: 10, RerankTopK: 3}, &fakeLexical{}, dense, fakeEmbedder{}, chat)
	resp, err := p.Query(context.Background(), "visa")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Metadata.RerankingUsed {
		t.Error("reranking should be reported")
	}
	got := []string{resp.Results[0].DocumentID, resp.Results[1].DocumentID, resp.Results[2].DocumentID}
	want := []string{"C", "A", "B"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rerank order = %v, want %v", got, want)
		}
	}
}

func TestPipelineRerankTruncatesAndRescores(t *testing.T) {
	dense := &fakeDense{hits: []vectorstore.SearchHit{
		hit("A", "a", 1, 0.9),
		hit("B", "b", 2, 0.8),
		hit("C", "c", 3, 0.7),
		hit("D", "d", 4, 0.6),
	}}
	chat := &fakeChat{reply: `{"order": [3, 1, 0, 2]}`}

	p := New(Config{Reranking: true, TopK: 10, RerankTopK: 2}, &fakeLexical{}, dense, fakeEmbedder{}, chat)
	resp, err := p.Query(context.Background(), "visa")
	if err != nil {
		t.Fatal(err)
	}

	// Only the reranked page survives.
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want rerank_top_k (2)", len(resp.Results))
	}
	if resp.Metadata.TotalResults != 2 {
		t.Errorf("total = %d, want 2", resp.Metadata.TotalResults)
	}
	if resp.Results[0].DocumentID != "D" || resp.Results[1].DocumentID != "B" {
		t.Errorf("order = %s, %s; want D, B", resp.Results[0].DocumentID, resp.Results[1].DocumentID)
	}
	// Scores describe the reranked positions, not the fused values.
	if resp.Results[0].Score != 1.0 {
		t.Errorf("top score = %v, want 1.0", resp.Results[0].Score)
	}
	if resp.Results[1].Score != 0.5 {
		t.Errorf("second score = %v, want 0.5", resp.Results[1].Score)
	}
}

func TestPipelineRerankBadJSONKeepsOrder(t *testing.T) {
	dense := &fakeDense{hits: []vectorstore.SearchHit{
		hit("A", "a", 1, 0.9),
		hit("B", "b", 2, 0.8),
	}}
	chat := &fakeChat{reply: "I cannot rank these."}

	p := New(Config{Reranking: true, TopK: 10, RerankTopK: 2}, &fakeLexical{}, dense, fakeEmbedder{}, chat)
	resp, err := p.Query(context.Background(), "visa")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Metadata.RerankingUsed {
		t.Error("failed rerank must not be reported as used")
	}
	if resp.Results[0].DocumentID != "A" {
		t.Errorf("fused order lost: %+v", resp.Results)
	}
}
