package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	APIKey     string `json:"api_key"`
	Collection string `json:"collection"`
	UseTLS     bool   `json:"use_tls"`
	Dim        int    `json:"dim"`
}

type qdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// NewQdrant connects to Qdrant and ensures the collection exists with
// cosine distance and binary quantization.
func NewQdrant(ctx context.Context, cfg QdrantConfig) (Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &qdrantStore{client: client, collection: cfg.Collection, dim: cfg.Dim}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}

	slog.Info("vectorstore: creating qdrant collection",
		"collection", s.collection, "dim", s.dim)

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dim),
			Distance: qdrant.Distance_Cosine,
		}),
		// Binary quantization keeps the hot index in RAM at 1/32 the
		// footprint; full vectors stay on disk for rescoring.
		QuantizationConfig: qdrant.NewQuantizationBinary(&qdrant.BinaryQuantization{
			AlwaysRam: qdrant.PtrOf(true),
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		payload := qdrant.NewValueMap(map[string]any{
			"document_id":   r.DocumentID,
			"document_pk":   r.DocumentPK,
			"chunk_index":   int64(r.ChunkIndex),
			"chunk_text":    r.ChunkText,
			"title":         r.Title,
			"url":           r.URL,
			"document_type": r.DocumentType,
		})
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(r.DocumentID, r.ChunkIndex)),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

func (s *qdrantStore) Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error) {
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]SearchHit, 0, len(points))
	for i, p := range points {
		hits = append(hits, SearchHit{
			Record: payloadToRecord(p.Payload),
			Score:  float64(p.Score),
			Rank:   i + 1,
		})
	}
	return hits, nil
}

func (s *qdrantStore) ListByDocument(ctx context.Context, documentID string) ([]ChunkRecord, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		},
		// Documents chunk into tens of pieces, never thousands.
		Limit:       qdrant.PtrOf(uint32(1024)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scrolling document %s: %w", documentID, err)
	}

	records := make([]ChunkRecord, 0, len(points))
	for _, p := range points {
		records = append(records, payloadToRecord(p.Payload))
	}
	// Scroll order is point-id order; callers expect document order.
	sort.Slice(records, func(i, j int) bool {
		return records[i].ChunkIndex < records[j].ChunkIndex
	})
	return records, nil
}

func (s *qdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	return nil
}

func (s *qdrantStore) Stats(ctx context.Context) (*Info, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: counting points: %v", ErrUnavailable, err)
	}
	return &Info{
		Backend:    "qdrant",
		Collection: s.collection,
		Points:     count,
		Dim:        s.dim,
	}, nil
}

func (s *qdrantStore) Close() error {
	return s.client.Close()
}

func payloadToRecord(payload map[string]*qdrant.Value) ChunkRecord {
	return ChunkRecord{
		DocumentID:   payload["document_id"].GetStringValue(),
		DocumentPK:   payload["document_pk"].GetIntegerValue(),
		ChunkIndex:   int(payload["chunk_index"].GetIntegerValue()),
		ChunkText:    payload["chunk_text"].GetStringValue(),
		Title:        payload["title"].GetStringValue(),
		URL:          payload["url"].GetStringValue(),
		DocumentType: payload["document_type"].GetStringValue(),
	}
}
