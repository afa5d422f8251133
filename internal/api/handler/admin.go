package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Reindexer rebuilds keyword indexes.
type Reindexer interface {
	Reindex(ctx context.Context, projectID uuid.UUID) (int, error)
	ReindexAll(ctx context.Context) (map[uuid.UUID]int, error)
}

// NewReindexHandler returns an http.HandlerFunc for POST /admin/reindex. Without a project in the body,
// header or query every project is rebuilt.
func NewReindexHandler(svc Reindexer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID uuid.UUID `json:"project_id"`
		}
		if !decode(w, r, &req, true) {
			return
		}
		p, _ := mw.GetPrincipal(r)
		addressed := req.ProjectID != uuid.Nil || r.Header.Get(mw.ProjectHeader) != "" ||
			r.URL.Query().Get("project_id") != ""

		if !addressed && p != nil && p.ProjectID == nil {
			counts, err := svc.ReindexAll(r.Context())
			if err != nil {
				response.FromError(w, err, map[string]any{"indexed": counts})
				return
			}
			response.JSON(w, map[string]any{"indexed": counts})
			return
		}

		_, projectID, ok := scoped(w, r, req.ProjectID)
		if !ok {
			return
		}
		n, err := svc.Reindex(r.Context(), projectID)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, map[string]any{"indexed": map[uuid.UUID]int{projectID: n}})
	}
}

// Registry manages projects and API keys.
type Registry interface {
	CreateProject(ctx context.Context, p *models.Project) error
	ListProjects(ctx context.Context) ([]*models.Project, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// NewCreateProjectHandler returns an http.HandlerFunc for POST /admin/projects.
func NewCreateProjectHandler(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p models.Project
		if !decode(w, r, &p, false) {
			return
		}
		p.ID = uuid.Nil
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if (p.RepoOwner == "") != (p.RepoName == "") {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "repo_owner and repo_name go together", nil)
			return
		}

		ctx := tenant.WithAdmin(r.Context())
		if err := reg.CreateProject(ctx, &p); err != nil {
			response.FromError(w, err, nil)
			return
		}
		recordAdmin(ctx, reg, r, &p.ID, "project.create", "project:"+p.ID.String())
		response.Created(w, p)
	}
}

// NewListProjectsHandler returns an http.HandlerFunc for GET /admin/projects.
func NewListProjectsHandler(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := reg.ListProjects(tenant.WithAdmin(r.Context()))
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		if projects == nil {
			projects = []*models.Project{}
		}
		response.JSON(w, projects)
	}
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /admin/keys. The raw key is returned once.
func NewCreateKeyHandler(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string     `json:"name"`
			ProjectID *uuid.UUID `json:"project_id"`
			Scopes    []string   `json:"scopes"`
		}
		if !decode(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "at least one scope is required", nil)
			return
		}
		for _, s := range req.Scopes {
			if !models.ValidScope(s) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope "+s, models.Scopes)
				return
			}
		}
		if req.ProjectID != nil && slices.Contains(req.Scopes, models.ScopeAdmin) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "admin keys cannot be bound to a project", nil)
			return
		}

		raw, prefix, hash, err := mw.NewKey()
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		key := &models.APIKey{
			ProjectID: req.ProjectID,
			Name:      strings.TrimSpace(req.Name),
			KeyHash:   hash,
			KeyPrefix: prefix,
			Scopes:    req.Scopes,
		}
		ctx := tenant.WithAdmin(r.Context())
		if err := reg.CreateAPIKey(ctx, key); err != nil {
			response.FromError(w, err, nil)
			return
		}
		recordAdmin(ctx, reg, r, req.ProjectID, "apikey.create", "apikey:"+key.ID.String())
		response.Created(w, createdKey{APIKey: key, Key: raw})
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /admin/keys/{keyID}.
func NewRevokeKeyHandler(reg Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "keyID")
		if !ok {
			return
		}
		ctx := tenant.WithAdmin(r.Context())
		if err := reg.RevokeAPIKey(ctx, id); err != nil {
			response.FromError(w, err, nil)
			return
		}
		recordAdmin(ctx, reg, r, nil, "apikey.revoke", "apikey:"+id.String())
		w.WriteHeader(http.StatusNoContent)
	}
}

// recordAdmin audits an admin action. The action already happened, so a failed write is only logged.
func recordAdmin(ctx context.Context, reg Registry, r *http.Request, projectID *uuid.UUID, action, subject string) {
	err := reg.AppendAudit(ctx, &models.AuditEntry{
		ProjectID: projectID,
		Actor:     actor(r),
		Action:    action,
		Subject:   subject,
	})
	if err != nil {
		slog.Warn("audit append failed", "action", action, "subject", subject, "error", err)
	}
}
