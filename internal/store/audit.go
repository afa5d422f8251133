package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// AppendAudit writes an audit row. A nil ProjectID records a system-level action.
func (s *PostgresStore) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return s.scoped(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO audit_log (id, project_id, actor, action, subject, detail)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
			e.ID, e.ProjectID, e.Actor, e.Action, e.Subject, e.Detail,
		).Scan(&e.CreatedAt)
		return classify("append audit", err)
	})
}
