package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// CacheAdmin reads analysis cache counters and flushes entries.
type CacheAdmin interface {
	Stats(ctx context.Context, projectID uuid.UUID) (cache.Stats, error)
	FlushProject(ctx context.Context, projectID uuid.UUID) (int64, error)
	FlushAll(ctx context.Context) (int64, error)
}

// Auditor records administrative actions.
type Auditor interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// NewCacheStatsHandler returns an http.HandlerFunc for GET /cache-stats.
func NewCacheStatsHandler(c CacheAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, projectID, ok := scoped(w, r, uuid.Nil)
		if !ok {
			return
		}
		stats, err := c.Stats(ctx, projectID)
		if err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, map[string]any{
			"project_id": projectID,
			"hits":       stats.Hits,
			"misses":     stats.Misses,
			"entries":    stats.Entries,
			"hit_rate":   stats.HitRate,
		})
	}
}

// NewFlushCacheHandler returns an http.HandlerFunc for DELETE /cache. With all=true every project's
// entries are dropped; otherwise the addressed project's.
func NewFlushCacheHandler(c CacheAdmin, audit Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			removed   int64
			err       error
			projectID *uuid.UUID
			ctx       context.Context
		)
		if r.URL.Query().Get("all") == "true" {
			ctx = tenant.WithAdmin(r.Context())
			removed, err = c.FlushAll(ctx)
		} else {
			var id uuid.UUID
			var ok bool
			ctx, id, ok = scoped(w, r, uuid.Nil)
			if !ok {
				return
			}
			projectID = &id
			removed, err = c.FlushProject(ctx, id)
		}
		if err != nil {
			response.FromError(w, err, nil)
			return
		}

		entry := &models.AuditEntry{
			ProjectID: projectID,
			Actor:     actor(r),
			Action:    "cache.flush",
			Subject:   "cache",
			Detail:    fmt.Sprintf("removed=%d", removed),
		}
		if err := audit.AppendAudit(ctx, entry); err != nil {
			response.FromError(w, err, nil)
			return
		}
		response.JSON(w, map[string]any{"removed": removed})
	}
}
