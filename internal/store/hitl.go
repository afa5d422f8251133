package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const hitlColumns = `id, project_id, failure_id, analysis_id, priority, status, confidence, concerns, reviewer,
	notes, corrected_answer, sla_deadline, decided_at, created_at`

func scanHITLItem(row pgx.Row) (*models.HITLItem, error) {
	var h models.HITLItem
	err := row.Scan(&h.ID, &h.ProjectID, &h.FailureID, &h.AnalysisID, &h.Priority, &h.Status, &h.Confidence,
		&h.Concerns, &h.Reviewer, &h.Notes, &h.CorrectedAnswer, &h.SLADeadline, &h.DecidedAt, &h.CreatedAt)
	return &h, err
}

func (s *PostgresStore) CreateHITLItem(ctx context.Context, item *models.HITLItem) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.ProjectID = projectID
	if item.Status == "" {
		item.Status = models.HITLPending
	}
	return s.scoped(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO hitl_item (id, project_id, failure_id, analysis_id, priority, status, confidence, concerns, sla_deadline)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at`,
			item.ID, item.ProjectID, item.FailureID, item.AnalysisID, item.Priority, item.Status, item.Confidence,
			nonNil(item.Concerns), item.SLADeadline,
		).Scan(&item.CreatedAt)
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if err != nil {
			return classify("create hitl item", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetHITLItem(ctx context.Context, id uuid.UUID) (*models.HITLItem, error) {
	var h *models.HITLItem
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		h, err = scanHITLItem(tx.QueryRow(ctx, `SELECT `+hitlColumns+` FROM hitl_item WHERE id = $1`, id))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return classify("get hitl item", err)
		}
		return nil
	})
	return h, err
}

// ListHITLQueue returns items ordered by priority (high first) then age (oldest first).
func (s *PostgresStore) ListHITLQueue(ctx context.Context, filter HITLFilter) ([]*models.HITLItem, error) {
	status := filter.Status
	if status == "" {
		status = models.HITLPending
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*models.HITLItem
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+hitlColumns+` FROM hitl_item
			 WHERE status = $1 AND ($2 = '' OR priority = $2)
			 ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC, created_at ASC, id
			 LIMIT $3`, status, filter.Priority, limit)
		if err != nil {
			return classify("list hitl queue", err)
		}
		defer rows.Close()
		for rows.Next() {
			h, err := scanHITLItem(rows)
			if err != nil {
				return fmt.Errorf("scan hitl item: %w", err)
			}
			out = append(out, h)
		}
		return rows.Err()
	})
	return out, err
}

// DecideHITLItem records a reviewer decision and propagates it to the analysis review state
// and the failure status in a single transaction. Only pending items can be decided.
func (s *PostgresStore) DecideHITLItem(ctx context.Context, id uuid.UUID, d HITLDecision) (*models.HITLItem, error) {
	if d.Status != models.HITLApproved && d.Status != models.HITLRejected {
		return nil, fmt.Errorf("%w: hitl decision %q", ErrInvalidTransition, d.Status)
	}

	var item *models.HITLItem
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		item, err = scanHITLItem(tx.QueryRow(ctx, `SELECT `+hitlColumns+` FROM hitl_item WHERE id = $1 FOR UPDATE`, id))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return classify("lock hitl item", err)
		}
		if item.Status != models.HITLPending {
			return fmt.Errorf("%w: hitl item already %s", ErrInvalidTransition, item.Status)
		}

		now := time.Now().UTC()
		reviewer := d.Reviewer
		if _, err := tx.Exec(ctx,
			`UPDATE hitl_item SET status = $2, reviewer = $3, notes = $4, corrected_answer = $5, decided_at = $6
			 WHERE id = $1`, id, d.Status, reviewer, d.Notes, d.CorrectedAnswer, now); err != nil {
			return classify("decide hitl item", err)
		}
		item.Status = d.Status
		item.Reviewer = &reviewer
		item.Notes = d.Notes
		item.CorrectedAnswer = d.CorrectedAnswer
		item.DecidedAt = &now

		review, failureStatus := models.ReviewAccepted, models.FailureAccepted
		if d.Status == models.HITLRejected {
			review, failureStatus = models.ReviewRejected, models.FailureRejected
			if d.CorrectedAnswer != nil && *d.CorrectedAnswer != "" {
				// The reviewer's correction replaces the answer and becomes the accepted one.
				review, failureStatus = models.ReviewSuperseded, models.FailureAccepted
			}
		}
		if err := setAnalysisReview(ctx, tx, item.AnalysisID, review); err != nil {
			return err
		}
		return updateFailureStatus(ctx, tx, item.FailureID, failureStatus)
	})
	return item, err
}
