package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const failureColumns = `id, project_id, job_name, build_id, test_name, error_message, stack_trace, error_log,
	status, first_seen, last_seen, occurrence_count, created_at, updated_at`

func scanFailure(row pgx.Row) (*models.Failure, error) {
	var f models.Failure
	err := row.Scan(&f.ID, &f.ProjectID, &f.JobName, &f.BuildID, &f.TestName, &f.ErrorMessage, &f.StackTrace,
		&f.ErrorLog, &f.Status, &f.FirstSeen, &f.LastSeen, &f.OccurrenceCount, &f.CreatedAt, &f.UpdatedAt)
	return &f, err
}

// UpsertFailure inserts a failure or merges it into the existing row for the same
// (project, job, build, test) tuple. The bool result is true when a new row was created.
// first_seen is never changed by a merge.
func (s *PostgresStore) UpsertFailure(ctx context.Context, f *models.Failure) (*models.Failure, bool, error) {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return nil, false, err
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	seen := f.LastSeen
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	var result *models.Failure
	var inserted bool
	err = s.scoped(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO failure (id, project_id, job_name, build_id, test_name, error_message, stack_trace, error_log, first_seen, last_seen)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			 ON CONFLICT (project_id, job_name, build_id, test_name) DO UPDATE SET
			   occurrence_count = failure.occurrence_count + 1,
			   last_seen = GREATEST(failure.last_seen, EXCLUDED.last_seen),
			   error_message = COALESCE(NULLIF(EXCLUDED.error_message, ''), failure.error_message),
			   stack_trace = COALESCE(NULLIF(EXCLUDED.stack_trace, ''), failure.stack_trace),
			   error_log = COALESCE(NULLIF(EXCLUDED.error_log, ''), failure.error_log),
			   updated_at = NOW()
			 RETURNING `+failureColumns+`, (xmax = 0)`,
			f.ID, projectID, f.JobName, f.BuildID, f.TestName, f.ErrorMessage, f.StackTrace, f.ErrorLog, seen)

		var r models.Failure
		if err := row.Scan(&r.ID, &r.ProjectID, &r.JobName, &r.BuildID, &r.TestName, &r.ErrorMessage, &r.StackTrace,
			&r.ErrorLog, &r.Status, &r.FirstSeen, &r.LastSeen, &r.OccurrenceCount, &r.CreatedAt, &r.UpdatedAt,
			&inserted); err != nil {
			return classify("upsert failure", err)
		}
		result = &r
		return nil
	})
	return result, inserted, err
}

func (s *PostgresStore) GetFailure(ctx context.Context, id uuid.UUID) (*models.Failure, error) {
	var f *models.Failure
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		f, err = scanFailure(tx.QueryRow(ctx, `SELECT `+failureColumns+` FROM failure WHERE id = $1`, id))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return classify("get failure", err)
		}
		return nil
	})
	return f, err
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter FailureFilter) ([]*models.Failure, int, error) {
	// Row-level security scopes by project; the filter only narrows further.
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.JobName != "" {
		conditions = append(conditions, fmt.Sprintf("job_name = $%d", argIdx))
		args = append(args, filter.JobName)
		argIdx++
	}
	if filter.TestName != "" {
		conditions = append(conditions, fmt.Sprintf("test_name = $%d", argIdx))
		args = append(args, filter.TestName)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("last_seen >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	var failures []*models.Failure
	var total int
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM failure WHERE "+where, args...).Scan(&total); err != nil {
			return classify("count failures", err)
		}

		dataQuery := fmt.Sprintf(`SELECT %s FROM failure WHERE %s ORDER BY last_seen DESC, id LIMIT $%d OFFSET $%d`,
			failureColumns, where, argIdx, argIdx+1)
		rows, err := tx.Query(ctx, dataQuery, append(args, limit, offset)...)
		if err != nil {
			return classify("list failures", err)
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFailure(rows)
			if err != nil {
				return fmt.Errorf("scan failure: %w", err)
			}
			failures = append(failures, f)
		}
		return rows.Err()
	})
	return failures, total, err
}

var validFailureTransitions = map[string][]string{
	models.FailureUnanalyzed: {models.FailureAnalyzing},
	models.FailureAnalyzing:  {models.FailureAnalyzing, models.FailureAnalyzed, models.FailureHITL, models.FailureUnanalyzed},
	models.FailureAnalyzed:   {models.FailureAnalyzing, models.FailureAccepted, models.FailureRejected},
	models.FailureHITL:       {models.FailureAnalyzing, models.FailureAccepted, models.FailureRejected},
	models.FailureAccepted:   {models.FailureAnalyzing, models.FailureRejected},
	models.FailureRejected:   {models.FailureAnalyzing, models.FailureAccepted},
}

func (s *PostgresStore) UpdateFailureStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.scoped(ctx, func(tx pgx.Tx) error {
		return updateFailureStatus(ctx, tx, id, status)
	})
}

func updateFailureStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM failure WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if notFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return classify("get failure status", err)
	}
	if current == status && status != models.FailureAnalyzing {
		return nil
	}
	if !slices.Contains(validFailureTransitions[current], status) {
		return fmt.Errorf("%w: failure %s -> %s", ErrInvalidTransition, current, status)
	}
	if _, err := tx.Exec(ctx, `UPDATE failure SET status = $2, updated_at = NOW() WHERE id = $1`, id, status); err != nil {
		return classify("update failure status", err)
	}
	return nil
}

// ListAgingCandidates returns unanalyzed failures seen at least minOccurrences times across at
// least minSpan. Under the admin scope this spans every project.
func (s *PostgresStore) ListAgingCandidates(ctx context.Context, minOccurrences int, minSpan time.Duration, limit int) ([]*models.Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Failure
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+failureColumns+` FROM failure
			 WHERE status = 'unanalyzed' AND occurrence_count >= $1 AND last_seen - first_seen >= $2
			 ORDER BY occurrence_count DESC, first_seen ASC
			 LIMIT $3`, minOccurrences, minSpan, limit)
		if err != nil {
			return classify("list aging candidates", err)
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFailure(rows)
			if err != nil {
				return fmt.Errorf("scan failure: %w", err)
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}
