// Package handler implements the HTTP endpoints. Handlers resolve the project a request addresses,
// bind it as the tenant scope and call into the services.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/tenant"
)

const maxBodyBytes = 1 << 20

// decode reads a JSON body into dst. An empty body leaves dst untouched when allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) && allowEmpty:
		return true
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large", nil)
			return false
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
}

// scoped resolves the request's project and returns a context bound to it.
func scoped(w http.ResponseWriter, r *http.Request, requested uuid.UUID) (context.Context, uuid.UUID, bool) {
	projectID, err := mw.ResolveProject(r, requested)
	if err != nil {
		response.FromError(w, err, nil)
		return nil, uuid.Nil, false
	}
	return tenant.WithProject(r.Context(), projectID), projectID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func actor(r *http.Request) string {
	if p, ok := mw.GetPrincipal(r); ok {
		return p.Actor()
	}
	return "anonymous"
}
