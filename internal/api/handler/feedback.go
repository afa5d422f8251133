package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/analyzer"
	"github.com/kiranshivaraju/faultline/internal/api/response"
)

// NewFeedbackHandler returns an http.HandlerFunc for POST /feedback. A refine without a corrected
// answer re-runs the analysis in the background and answers 202.
func NewFeedbackHandler(svc Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID uuid.UUID `json:"project_id"`
			analyzer.FeedbackRequest
		}
		if !decode(w, r, &req, false) {
			return
		}
		if req.AnalysisID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "analysis_id is required", nil)
			return
		}
		_, projectID, ok := scoped(w, r, req.ProjectID)
		if !ok {
			return
		}
		req.Actor = actor(r)

		res, err := svc.Feedback(r.Context(), projectID, req.FeedbackRequest)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		if res.RefinementPending {
			response.Accepted(w, res)
			return
		}
		response.JSON(w, res)
	}
}
