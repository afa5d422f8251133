package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/tenant"
)

// ProjectHeader names the project a request addresses when the body does not.
const ProjectHeader = "X-Project-ID"

// ResolveProject returns the project a request addresses. requested is the project_id from the request
// body, uuid.Nil when absent; the X-Project-ID header and the project_id query parameter are consulted
// next. Project-bound keys default to their own project and get tenant.ErrMismatch for any other.
func ResolveProject(r *http.Request, requested uuid.UUID) (uuid.UUID, error) {
	p, ok := GetPrincipal(r)
	if !ok {
		return uuid.Nil, tenant.ErrMissingScope
	}

	if requested == uuid.Nil {
		raw := strings.TrimSpace(r.Header.Get(ProjectHeader))
		if raw == "" {
			raw = strings.TrimSpace(r.URL.Query().Get("project_id"))
		}
		if raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return uuid.Nil, apperr.Input("resolve project", "project_id must be a UUID")
			}
			requested = id
		}
	}

	switch {
	case p.ProjectID == nil && requested == uuid.Nil:
		return uuid.Nil, apperr.Input("resolve project", "project_id is required")
	case p.ProjectID == nil:
		return requested, nil
	case requested == uuid.Nil || requested == *p.ProjectID:
		return *p.ProjectID, nil
	default:
		return uuid.Nil, tenant.ErrMismatch
	}
}
