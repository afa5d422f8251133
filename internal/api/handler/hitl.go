package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/hitl"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Reviewer is the HITL workflow.
type Reviewer interface {
	Queue(ctx context.Context, filter store.HITLFilter) (*hitl.Queue, error)
	Approve(ctx context.Context, id uuid.UUID, reviewer string, notes *string) (*hitl.Decision, error)
	Reject(ctx context.Context, id uuid.UUID, reviewer string, notes, corrected *string) (*hitl.Decision, error)
}

// NewHITLQueueHandler returns an http.HandlerFunc for GET /hitl/queue. Pending items are listed by
// default, highest priority first.
func NewHITLQueueHandler(svc Reviewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, _, ok := scoped(w, r, uuid.Nil)
		if !ok {
			return
		}
		q := r.URL.Query()
		filter := store.HITLFilter{Status: q.Get("status"), Priority: q.Get("priority"), Limit: 50}
		if filter.Status == "" {
			filter.Status = models.HITLPending
		}
		switch filter.Status {
		case models.HITLPending, models.HITLApproved, models.HITLRejected:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
			return
		}
		switch filter.Priority {
		case "", models.PriorityLow, models.PriorityMedium, models.PriorityHigh:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown priority filter", nil)
			return
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 || limit > 200 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200", nil)
				return
			}
			filter.Limit = limit
		}

		queue, err := svc.Queue(ctx, filter)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, queue)
	}
}

type decisionRequest struct {
	Reviewer  string  `json:"reviewer"`
	Notes     *string `json:"notes"`
	Corrected *string `json:"corrected"`
}

// reviewer defaults to the calling key when the body names nobody.
func (d decisionRequest) reviewer(r *http.Request) string {
	if v := strings.TrimSpace(d.Reviewer); v != "" {
		return v
	}
	return actor(r)
}

// NewHITLApproveHandler returns an http.HandlerFunc for POST /hitl/{itemID}/approve.
func NewHITLApproveHandler(svc Reviewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "itemID")
		if !ok {
			return
		}
		var req decisionRequest
		if !decode(w, r, &req, true) {
			return
		}
		ctx, _, ok := scoped(w, r, uuid.Nil)
		if !ok {
			return
		}

		d, err := svc.Approve(ctx, id, req.reviewer(r), req.Notes)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, d)
	}
}

// NewHITLRejectHandler returns an http.HandlerFunc for POST /hitl/{itemID}/reject. A corrected answer
// is stored as a refined analysis.
func NewHITLRejectHandler(svc Reviewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "itemID")
		if !ok {
			return
		}
		var req decisionRequest
		if !decode(w, r, &req, true) {
			return
		}
		ctx, _, ok := scoped(w, r, uuid.Nil)
		if !ok {
			return
		}

		d, err := svc.Reject(ctx, id, req.reviewer(r), req.Notes, req.Corrected)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, d)
	}
}
