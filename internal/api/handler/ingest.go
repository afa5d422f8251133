package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/ingest"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Ingester records failures and knowledge documents.
type Ingester interface {
	IngestFailure(ctx context.Context, projectID uuid.UUID, ev models.FailureEvent) (*models.Failure, bool, error)
	AddKnowledge(ctx context.Context, projectID uuid.UUID, req ingest.KnowledgeRequest) (*models.KnowledgeDoc, error)
}

// NewIngestFailureHandler returns an http.HandlerFunc for POST /ingest/failure. A new failure answers
// 201; a repeat of a known (job, build, test) tuple answers 200 with the bumped occurrence count.
func NewIngestFailureHandler(svc Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID uuid.UUID `json:"project_id"`
			models.FailureEvent
		}
		if !decode(w, r, &req, false) {
			return
		}
		_, projectID, ok := scoped(w, r, req.ProjectID)
		if !ok {
			return
		}

		f, created, err := svc.IngestFailure(r.Context(), projectID, req.FailureEvent)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		body := map[string]any{"failure": f, "created": created}
		if created {
			response.Created(w, body)
			return
		}
		response.JSON(w, body)
	}
}

// NewKnowledgeHandler returns an http.HandlerFunc for POST /knowledge.
func NewKnowledgeHandler(svc Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID uuid.UUID `json:"project_id"`
			ingest.KnowledgeRequest
		}
		if !decode(w, r, &req, false) {
			return
		}
		_, projectID, ok := scoped(w, r, req.ProjectID)
		if !ok {
			return
		}

		doc, err := svc.AddKnowledge(r.Context(), projectID, req.KnowledgeRequest)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.Created(w, doc)
	}
}
