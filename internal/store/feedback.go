package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

func (s *PostgresStore) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	fb.ProjectID = projectID
	return s.scoped(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO feedback (id, project_id, analysis_id, verdict, note, corrected, refined_analysis_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
			fb.ID, fb.ProjectID, fb.AnalysisID, fb.Verdict, fb.Note, fb.Corrected, fb.RefinedAnalysisID,
		).Scan(&fb.CreatedAt)
		return classify("create feedback", err)
	})
}
