package retrieval

import "sort"

const (
	rrfK = 60 // RRF constant (standard value from literature)

	// absentRank stands in for a result missing from one list. Large
	// enough that a single-list hit scores far below any double hit,
	// but still nonzero so single-list results keep a usable ordering.
	absentRank = 999
)

// Result is one retrieval hit after fusion.
type Result struct {
	DocumentID   string  `json:"document_id"`
	ChunkText    string  `json:"chunk_text"`
	Title        string  `json:"title"`
	URL          string  `json:"url,omitempty"`
	DocumentType string  `json:"document_type,omitempty"`
	Score        float64 `json:"score"`
	DenseRank    int     `json:"dense_rank,omitempty"` // 1-based, 0 = not present
	BM25Rank     int     `json:"bm25_rank,omitempty"`  // 1-based, 0 = not present
}

// fuseRRF combines a BM25 list and a dense list with weighted
// Reciprocal Rank Fusion:
//
//	score = w/(k + bm25_rank) + (1-w)/(k + dense_rank)
//
// A result absent from one list takes rank 999 there. The fused score
// always replaces whatever raw score the backends reported, so ordering
// is comparable across result sets. Ties break on dense rank, then
// document id.
func fuseRRF(bm25, dense []Result, w float64, maxResults int) []Result {
	type fusedEntry struct {
		result    Result
		bm25Rank  int
		denseRank int
	}

	fused := make(map[string]*fusedEntry)
	key := func(r Result) string { return r.DocumentID + "\x00" + r.ChunkText }

	for i, r := range bm25 {
		fused[key(r)] = &fusedEntry{result: r, bm25Rank: i + 1}
	}
	for i, r := range dense {
		entry, ok := fused[key(r)]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[key(r)] = entry
		}
		entry.denseRank = i + 1
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		bm25Rank := e.bm25Rank
		if bm25Rank == 0 {
			bm25Rank = absentRank
		}
		denseRank := e.denseRank
		if denseRank == 0 {
			denseRank = absentRank
		}
		e.result.Score = w/float64(rrfK+bm25Rank) + (1-w)/float64(rrfK+denseRank)
		e.result.BM25Rank = e.bm25Rank
		e.result.DenseRank = e.denseRank
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.result.Score != b.result.Score {
			return a.result.Score > b.result.Score
		}
		ar, br := a.denseRank, b.denseRank
		if ar == 0 {
			ar = absentRank
		}
		if br == 0 {
			br = absentRank
		}
		if ar != br {
			return ar < br
		}
		return a.result.DocumentID < b.result.DocumentID
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = e.result
	}
	return results
}
