package response

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// NewPaginationMeta fills HasNext from the page window.
func NewPaginationMeta(page, limit, total int) PaginationMeta {
	return PaginationMeta{Page: page, Limit: limit, Total: total, HasNext: page*limit < total}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// FromError writes the error envelope for err. Package sentinels map first, then the apperr kind.
// Causes are logged, never returned.
func FromError(w http.ResponseWriter, err error, details any) {
	status, code, message := Classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "code", code, "error", err)
	}
	Error(w, status, code, message, details)
}

// Classify returns the HTTP status, stable error code and client-safe message for err.
func Classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Resource not found"
	case errors.Is(err, tenant.ErrMismatch):
		return http.StatusForbidden, "TENANT_MISMATCH", "Project does not match the API key"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", "The resource is not in a state that allows this action"
	case errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict, "ALREADY_EXISTS", "Resource already exists"
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "The request deadline was exceeded"
		}
		return http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"
	}
	msg := apperr.MessageOf(err)
	switch ae.Kind {
	case apperr.KindInput:
		return http.StatusBadRequest, "INVALID_REQUEST", msg
	case apperr.KindConflict:
		return http.StatusConflict, "CONFLICT", conflictMessage(err)
	case apperr.KindDeadline:
		return http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "The analysis deadline was exceeded"
	case apperr.KindTransient, apperr.KindDegraded:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "A dependency is temporarily unavailable"
	case apperr.KindPermanent:
		return http.StatusBadGateway, "UPSTREAM_ERROR", "A dependency returned an error"
	case apperr.KindInconclusive:
		return http.StatusUnprocessableEntity, "INCONCLUSIVE", msg
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"
	}
}

func conflictMessage(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err != nil {
		return ae.Err.Error()
	}
	return "Request conflicts with work in progress"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}
