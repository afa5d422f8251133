package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

func (s *PostgresStore) CreateKnowledgeDoc(ctx context.Context, doc *models.KnowledgeDoc) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.ProjectID = projectID
	if doc.DocType == "" {
		doc.DocType = "documentation"
	}
	return s.scoped(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO knowledge_doc (id, project_id, title, content, category, doc_type, source_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
			doc.ID, doc.ProjectID, doc.Title, doc.Content, doc.Category, doc.DocType, doc.SourceURL,
		).Scan(&doc.CreatedAt)
		return classify("create knowledge doc", err)
	})
}

// ListKnowledgeDocs returns the newest documents in scope, used to rebuild the keyword index.
func (s *PostgresStore) ListKnowledgeDocs(ctx context.Context, limit int) ([]*models.KnowledgeDoc, error) {
	if limit <= 0 {
		limit = 10000
	}
	var out []*models.KnowledgeDoc
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, project_id, title, content, category, doc_type, source_url, created_at
			 FROM knowledge_doc ORDER BY created_at DESC LIMIT $1`, limit)
		if err != nil {
			return classify("list knowledge docs", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d models.KnowledgeDoc
			if err := rows.Scan(&d.ID, &d.ProjectID, &d.Title, &d.Content, &d.Category, &d.DocType,
				&d.SourceURL, &d.CreatedAt); err != nil {
				return fmt.Errorf("scan knowledge doc: %w", err)
			}
			out = append(out, &d)
		}
		return rows.Err()
	})
	return out, err
}
