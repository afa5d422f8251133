package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kiranshivaraju/faultline/internal/embedding"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	metaCategory  = "category"
	metaDocType   = "doc_type"
	metaSourceURL = "source_url"
	metaCreatedAt = "created_at"
)

// ChromemStore is the embedded backend. Each project namespace is its own chromem collection,
// so a query can never see another project's documents.
type ChromemStore struct {
	db       *chromem.DB
	embedder embedding.Embedder

	mu sync.Mutex
}

// NewChromemStore opens a persistent DB under dir, or an in-memory DB when dir is empty.
func NewChromemStore(dir string, embedder embedding.Embedder) (*ChromemStore, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &ChromemStore{db: db, embedder: embedder}, nil
}

func (s *ChromemStore) Name() string { return "chromem" }

func (s *ChromemStore) Ping(context.Context) error { return nil }

func (s *ChromemStore) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return embedding.EmbedOne(ctx, s.embedder, text)
	}
}

func (s *ChromemStore) collection(ns string, create bool) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !create {
		return s.db.GetCollection(ns, s.embedFunc()), nil
	}
	c, err := s.db.GetOrCreateCollection(ns, nil, s.embedFunc())
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", ns, err)
	}
	return c, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	_, ns, err := namespace(ctx, collection)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	c, err := s.collection(ns, true)
	if err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	cdocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		created := d.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		cdocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: vecs[i],
			Metadata: map[string]string{
				metaCategory:  string(d.Category),
				metaDocType:   d.DocType,
				metaSourceURL: d.SourceURL,
				metaCreatedAt: created.Format(time.RFC3339Nano),
			},
		}
	}
	if err := c.AddDocuments(ctx, cdocs, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, collection, query string, k int) ([]Hit, error) {
	_, ns, err := namespace(ctx, collection)
	if err != nil {
		return nil, err
	}
	c, err := s.collection(ns, false)
	if err != nil {
		return nil, err
	}
	if c == nil || k <= 0 {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	if n := c.Count(); n == 0 {
		return nil, nil
	} else if k > n {
		k = n
	}

	vec, err := embedding.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := c.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		created, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt])
		hits = append(hits, Hit{
			Document: Document{
				ID:        r.ID,
				Content:   r.Content,
				Category:  models.Category(r.Metadata[metaCategory]),
				DocType:   r.Metadata[metaDocType],
				SourceURL: r.Metadata[metaSourceURL],
				CreatedAt: created,
			},
			Similarity: clamp01(float64(r.Similarity)),
		})
	}
	return hits, nil
}

func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	_, ns, err := namespace(ctx, collection)
	if err != nil {
		return err
	}
	c, err := s.collection(ns, false)
	if err != nil || c == nil || len(ids) == 0 {
		return err
	}
	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}
