package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const analysisColumns = `id, project_id, failure_id, parent_id, status, review, error_category, root_cause,
	recommendation, severity, classification_confidence, solution_confidence, overall_confidence, scores,
	concerns, iterations, tools_used, actions_taken, routing, warnings, cache_key, created_at`

func analysisDest(a *models.Analysis) []any {
	return []any{&a.ID, &a.ProjectID, &a.FailureID, &a.ParentID, &a.Status, &a.Review, &a.ErrorCategory,
		&a.RootCause, &a.Recommendation, &a.Severity, &a.ClassificationConfidence, &a.SolutionConfidence,
		&a.OverallConfidence, &a.Scores, &a.Concerns, &a.Iterations, &a.ToolsUsed, &a.ActionsTaken,
		&a.Routing, &a.Warnings, &a.CacheKey, &a.CreatedAt}
}

func scanAnalysis(row pgx.Row) (*models.Analysis, error) {
	var a models.Analysis
	err := row.Scan(analysisDest(&a)...)
	return &a, err
}

// nonNil keeps NOT NULL array columns from receiving SQL NULL.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// CreateAnalysis persists an analysis together with its evidence chunks in one transaction.
// Evidence already stored (non-nil ID that exists) is linked rather than duplicated.
func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *models.Analysis, evidence []models.RetrievalResult) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.ProjectID = projectID
	if a.Review == "" {
		a.Review = models.ReviewNone
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	}

	return s.scoped(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO analysis (id, project_id, failure_id, parent_id, status, review, error_category, root_cause,
			   recommendation, severity, classification_confidence, solution_confidence, overall_confidence, scores,
			   concerns, iterations, tools_used, actions_taken, routing, warnings, cache_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			 RETURNING created_at`,
			a.ID, a.ProjectID, a.FailureID, a.ParentID, a.Status, a.Review, a.ErrorCategory, a.RootCause,
			a.Recommendation, a.Severity, a.ClassificationConfidence, a.SolutionConfidence, a.OverallConfidence,
			a.Scores, nonNil(a.Concerns), a.Iterations, nonNil(a.ToolsUsed), nonNil(a.ActionsTaken), a.Routing,
			nonNil(a.Warnings), a.CacheKey,
		).Scan(&a.CreatedAt)
		if err != nil {
			return classify("create analysis", err)
		}

		a.EvidenceRefs = make([]uuid.UUID, 0, len(evidence))
		for i := range evidence {
			r := &evidence[i]
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			r.ProjectID = projectID
			if r.DocumentTime.IsZero() {
				r.DocumentTime = time.Now().UTC()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO retrieval_result (id, project_id, source, doc_id, text, similarity_score, rerank_score,
				   rrf_score, metadata, document_time)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (id) DO NOTHING`,
				r.ID, r.ProjectID, r.Source, r.DocID, r.Text, r.SimilarityScore, r.RerankScore, r.RRFScore,
				r.Metadata, r.DocumentTime); err != nil {
				return classify("insert retrieval result", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO analysis_evidence (analysis_id, retrieval_result_id, project_id, position)
				 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
				a.ID, r.ID, projectID, i); err != nil {
				return classify("link evidence", err)
			}
			a.EvidenceRefs = append(a.EvidenceRefs, r.ID)
		}
		return nil
	})
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	return s.getAnalysis(ctx, `SELECT `+analysisColumns+` FROM analysis WHERE id = $1`, id)
}

// GetLatestAnalysis returns the newest analysis of a failure that has not been superseded.
func (s *PostgresStore) GetLatestAnalysis(ctx context.Context, failureID uuid.UUID) (*models.Analysis, error) {
	return s.getAnalysis(ctx,
		`SELECT `+analysisColumns+` FROM analysis
		 WHERE failure_id = $1 AND review <> 'superseded'
		 ORDER BY created_at DESC LIMIT 1`, failureID)
}

func (s *PostgresStore) getAnalysis(ctx context.Context, query string, arg uuid.UUID) (*models.Analysis, error) {
	var a *models.Analysis
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		a, err = scanAnalysis(tx.QueryRow(ctx, query, arg))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return classify("get analysis", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT retrieval_result_id FROM analysis_evidence WHERE analysis_id = $1 ORDER BY position`, a.ID)
		if err != nil {
			return classify("get evidence refs", err)
		}
		refs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("collect evidence refs: %w", err)
		}
		a.EvidenceRefs = nonNil(refs)
		return nil
	})
	return a, err
}

func (s *PostgresStore) SetAnalysisReview(ctx context.Context, id uuid.UUID, review string) error {
	return s.scoped(ctx, func(tx pgx.Tx) error {
		return setAnalysisReview(ctx, tx, id, review)
	})
}

func setAnalysisReview(ctx context.Context, tx pgx.Tx, id uuid.UUID, review string) error {
	tag, err := tx.Exec(ctx, `UPDATE analysis SET review = $2 WHERE id = $1`, id, review)
	if err != nil {
		return classify("set analysis review", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEvidence returns the evidence chunks of an analysis in citation order.
func (s *PostgresStore) GetEvidence(ctx context.Context, analysisID uuid.UUID) ([]*models.RetrievalResult, error) {
	var out []*models.RetrievalResult
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT r.id, r.project_id, r.source, r.doc_id, r.text, r.similarity_score, r.rerank_score, r.rrf_score,
			        r.metadata, r.document_time, r.created_at
			 FROM analysis_evidence e JOIN retrieval_result r ON r.id = e.retrieval_result_id
			 WHERE e.analysis_id = $1 ORDER BY e.position`, analysisID)
		if err != nil {
			return classify("get evidence", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r models.RetrievalResult
			if err := rows.Scan(&r.ID, &r.ProjectID, &r.Source, &r.DocID, &r.Text, &r.SimilarityScore,
				&r.RerankScore, &r.RRFScore, &r.Metadata, &r.DocumentTime, &r.CreatedAt); err != nil {
				return fmt.Errorf("scan retrieval result: %w", err)
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	return out, err
}

var searchTermPattern = regexp.MustCompile(`[a-z0-9]{2,}`)

// orQuery turns free text into a to_tsquery expression matching any of its terms.
func orQuery(text string) string {
	terms := searchTermPattern.FindAllString(strings.ToLower(text), 32)
	return strings.Join(terms, " | ")
}

// SearchAnalyses is the structured retrieval source: past analyses that were not rejected,
// optionally filtered by category and recency, ranked by full-text match on root cause and fix.
func (s *PostgresStore) SearchAnalyses(ctx context.Context, q StructuredQuery) ([]*AnalysisHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var since *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	tsq := orQuery(q.Text)

	var hits []*AnalysisHit
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+analysisColumns+`,
			        CASE WHEN $1 = '' THEN 0 ELSE ts_rank(search_text, to_tsquery('english', $1)) END AS rank
			 FROM analysis
			 WHERE review NOT IN ('rejected', 'superseded')
			   AND status IN ('PASS', 'HITL')
			   AND ($2 = '' OR error_category = $2)
			   AND ($3::timestamptz IS NULL OR created_at >= $3)
			   AND ($1 = '' OR search_text @@ to_tsquery('english', $1))
			 ORDER BY rank DESC, created_at DESC, id
			 LIMIT $4`, tsq, string(q.Category), since, limit)
		if err != nil {
			return classify("search analyses", err)
		}
		defer rows.Close()
		for rows.Next() {
			var a models.Analysis
			var rank float64
			if err := rows.Scan(append(analysisDest(&a), &rank)...); err != nil {
				return fmt.Errorf("scan analysis hit: %w", err)
			}
			hits = append(hits, &AnalysisHit{Analysis: &a, Rank: rank})
		}
		return rows.Err()
	})
	return hits, err
}

// ListResolvedAnalyses returns analyses usable as keyword-index documents: passed or accepted, not superseded.
func (s *PostgresStore) ListResolvedAnalyses(ctx context.Context, limit int) ([]*models.Analysis, error) {
	if limit <= 0 {
		limit = 10000
	}
	var out []*models.Analysis
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+analysisColumns+` FROM analysis
			 WHERE review = 'accepted' OR (status = 'PASS' AND review = 'none')
			 ORDER BY created_at DESC LIMIT $1`, limit)
		if err != nil {
			return classify("list resolved analyses", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAnalysis(rows)
			if err != nil {
				return fmt.Errorf("scan analysis: %w", err)
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}
