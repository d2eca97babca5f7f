package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"govguide/store"
)

// localStore keeps vectors in the sqlite-vec table inside the main
// database. Suitable for single-node deployments with no Qdrant.
type localStore struct {
	store *store.Store
}

// NewLocal returns a vector gateway backed by the main SQLite database.
// Upserted records must carry ChunkID (the chunks table row id).
func NewLocal(s *store.Store) Store {
	return &localStore{store: s}
}

func (l *localStore) Upsert(ctx context.Context, records []ChunkRecord) error {
	for _, r := range records {
		if r.ChunkID == 0 {
			return fmt.Errorf("local upsert requires chunk row ids (document %s index %d)",
				r.DocumentID, r.ChunkIndex)
		}
		if err := l.store.InsertEmbedding(ctx, r.ChunkID, r.Embedding); err != nil {
			return fmt.Errorf("inserting embedding for chunk %d: %w", r.ChunkID, err)
		}
	}
	return nil
}

func (l *localStore) Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error) {
	results, err := l.store.VectorSearch(ctx, vector, k)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(results))
	for i, r := range results {
		hits = append(hits, SearchHit{
			Record: ChunkRecord{
				DocumentID:   r.DocumentID,
				DocumentPK:   r.DocumentPK,
				DocumentType: r.DocumentType,
				ChunkIndex:   r.ChunkIndex,
				ChunkText:    r.Content,
				Title:        r.Title,
				URL:          r.URL,
				ChunkID:      r.ChunkID,
			},
			Score: r.Score,
			Rank:  i + 1,
		})
	}
	return hits, nil
}

func (l *localStore) ListByDocument(ctx context.Context, documentID string) ([]ChunkRecord, error) {
	doc, err := l.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	chunks, err := l.store.GetChunksByDocument(ctx, doc.PK)
	if err != nil {
		return nil, err
	}

	records := make([]ChunkRecord, 0, len(chunks))
	for _, c := range chunks {
		records = append(records, ChunkRecord{
			DocumentID:   doc.DocumentID,
			DocumentPK:   doc.PK,
			ChunkIndex:   c.Index,
			ChunkText:    c.Content,
			Title:        doc.Title,
			URL:          doc.CanonicalURL,
			DocumentType: doc.DocumentType,
			ChunkID:      c.ID,
		})
	}
	return records, nil
}

func (l *localStore) DeleteByDocument(ctx context.Context, documentID string) error {
	doc, err := l.store.GetDocumentByID(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.store.DeleteEmbeddingsByDocument(ctx, doc.PK)
}

func (l *localStore) Stats(ctx context.Context) (*Info, error) {
	var points uint64
	row := l.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_chunks")
	if err := row.Scan(&points); err != nil {
		return nil, err
	}
	return &Info{
		Backend: "local",
		Points:  points,
		Dim:     l.store.EmbeddingDim(),
	}, nil
}

// Close is a no-op: the wrapped store owns the database handle.
func (l *localStore) Close() error { return nil }
