package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// FailureReader is the slice of the store the failure endpoints read.
type FailureReader interface {
	ListFailures(ctx context.Context, filter store.FailureFilter) ([]*models.Failure, int, error)
	GetFailure(ctx context.Context, id uuid.UUID) (*models.Failure, error)
	GetLatestAnalysis(ctx context.Context, failureID uuid.UUID) (*models.Analysis, error)
}

var failureStatuses = map[string]bool{
	models.FailureUnanalyzed: true,
	models.FailureAnalyzing:  true,
	models.FailureAnalyzed:   true,
	models.FailureHITL:       true,
	models.FailureAccepted:   true,
	models.FailureRejected:   true,
}

// NewListFailuresHandler returns an http.HandlerFunc for GET /failures.
func NewListFailuresHandler(s FailureReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, _, ok := scoped(w, r, uuid.Nil)
		if !ok {
			return
		}
		q := r.URL.Query()

		filter := store.FailureFilter{
			Status:   q.Get("status"),
			JobName:  q.Get("job_name"),
			TestName: q.Get("test_name"),
			Page:     1,
			Limit:    20,
		}
		if filter.Status != "" && !failureStatuses[filter.Status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
			return
		}
		if v := q.Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = since
		}
		if v := q.Get("page"); v != "" {
			page, err := strconv.Atoi(v)
			if err != nil || page < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = page
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 || limit > 100 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
				return
			}
			filter.Limit = limit
		}

		failures, total, err := s.ListFailures(ctx, filter)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		if failures == nil {
			failures = []*models.Failure{}
		}
		response.Collection(w, failures, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

type failureDetail struct {
	*models.Failure
	LatestAnalysis *models.Analysis `json:"latest_analysis"`
}

// NewGetFailureHandler returns an http.HandlerFunc for GET /failures/{failureID}.
func NewGetFailureHandler(s FailureReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "failureID")
		if !ok {
			return
		}
		ctx, _, ok := scoped(w, r, uuid.Nil)
		if !ok {
			return
		}

		f, err := s.GetFailure(ctx, id)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		latest, err := s.GetLatestAnalysis(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, failureDetail{Failure: f, LatestAnalysis: latest})
	}
}
