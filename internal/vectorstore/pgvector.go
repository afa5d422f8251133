package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/internal/embedding"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/pgvector/pgvector-go"
)

// TxRunner runs fn in a transaction bound to the tenant scope of ctx.
type TxRunner interface {
	InTenantTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Ping(ctx context.Context) error
}

// PGVectorStore keeps vectors in the vector_chunk table. Row-level security applies on top of the
// namespace filter.
type PGVectorStore struct {
	db       TxRunner
	embedder embedding.Embedder
}

func NewPGVectorStore(db TxRunner, embedder embedding.Embedder) *PGVectorStore {
	return &PGVectorStore{db: db, embedder: embedder}
}

func (s *PGVectorStore) Name() string { return "pgvector" }

func (s *PGVectorStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PGVectorStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	projectID, ns, err := namespace(ctx, collection)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	return s.db.InTenantTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, d := range docs {
			created := d.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			batch.Queue(`
				INSERT INTO vector_chunk (project_id, namespace, doc_id, content, category, doc_type, source_url, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (namespace, doc_id) DO UPDATE SET
					content = EXCLUDED.content,
					category = EXCLUDED.category,
					doc_type = EXCLUDED.doc_type,
					source_url = EXCLUDED.source_url,
					embedding = EXCLUDED.embedding`,
				projectID, ns, d.ID, d.Content, string(d.Category), d.DocType, d.SourceURL,
				pgvector.NewVector(vecs[i]), created)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert vector chunks: %w", err)
		}
		return nil
	})
}

func (s *PGVectorStore) Search(ctx context.Context, collection, query string, k int) ([]Hit, error) {
	_, ns, err := namespace(ctx, collection)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	vec, err := embedding.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var hits []Hit
	err = s.db.InTenantTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT doc_id, content, category, doc_type, source_url, created_at,
				1 - (embedding <=> $1) AS similarity
			FROM vector_chunk
			WHERE namespace = $2
			ORDER BY embedding <=> $1, doc_id
			LIMIT $3`,
			pgvector.NewVector(vec), ns, k)
		if err != nil {
			return fmt.Errorf("search vector chunks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var h Hit
			var category string
			if err := rows.Scan(&h.ID, &h.Content, &category, &h.DocType, &h.SourceURL, &h.CreatedAt, &h.Similarity); err != nil {
				return fmt.Errorf("scan vector chunk: %w", err)
			}
			h.Category = models.Category(category)
			h.Similarity = clamp01(h.Similarity)
			hits = append(hits, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	_, ns, err := namespace(ctx, collection)
	if err != nil {
		return err
	}
	return s.db.InTenantTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM vector_chunk WHERE namespace = $1 AND doc_id = ANY($2)`, ns, ids); err != nil {
			return fmt.Errorf("delete vector chunks: %w", err)
		}
		return nil
	})
}
