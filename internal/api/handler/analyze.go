package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/analyzer"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/apperr"
)

// Analyzer runs analyses and applies feedback.
type Analyzer interface {
	Analyze(ctx context.Context, projectID, failureID uuid.UUID, force bool) (*analyzer.Result, error)
	Feedback(ctx context.Context, projectID uuid.UUID, req analyzer.FeedbackRequest) (*analyzer.FeedbackResult, error)
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /analyze.
func NewAnalyzeHandler(svc Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FailureID uuid.UUID `json:"failure_id"`
			ProjectID uuid.UUID `json:"project_id"`
			Force     bool      `json:"force"`
		}
		if !decode(w, r, &req, false) {
			return
		}
		if req.FailureID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "failure_id is required", nil)
			return
		}
		_, projectID, ok := scoped(w, r, req.ProjectID)
		if !ok {
			return
		}

		res, err := svc.Analyze(r.Context(), projectID, req.FailureID, req.Force)
		if err != nil {
			var details any
			if res != nil && apperr.Is(err, apperr.KindDeadline) {
				details = map[string]any{"analysis_id": res.ID, "status": res.Status}
			}
			response.FromError(w, err, details)
			return
		}
		response.JSON(w, res)
	}
}
