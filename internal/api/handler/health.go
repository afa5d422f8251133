package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/faultline/internal/api/response"
)

const healthTimeout = 2 * time.Second

// Check probes one dependency. A nil Check always passes.
type Check func(ctx context.Context) error

// HealthDeps lists what GET /health probes. Retrieval maps each configured retrieval source to its probe;
// SourceOrder fixes the order sources are reported in.
type HealthDeps struct {
	Database    Check
	Cache       Check
	Retrieval   map[string]Check
	SourceOrder []string
	Generator   func() bool
	Verifier    func() bool
}

type healthResponse struct {
	Status                      string            `json:"status"`
	Services                    map[string]string `json:"services"`
	RetrievalSourcesAvailable   []string          `json:"retrieval_sources_available"`
	RetrievalSourcesUnavailable []string          `json:"retrieval_sources_unavailable"`
	GeneratorAvailable          bool              `json:"generator_available"`
	VerifierAvailable           bool              `json:"verifier_available"`
}

// NewHealthHandler returns an http.HandlerFunc for GET /health. A missing database or cache answers
// 503; unavailable retrieval sources or generator only degrade the status.
func NewHealthHandler(deps HealthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{
			Status:                      "ok",
			Services:                    map[string]string{"database": "ok", "cache": "ok"},
			RetrievalSourcesAvailable:   []string{},
			RetrievalSourcesUnavailable: []string{},
			GeneratorAvailable:          deps.Generator != nil && deps.Generator(),
			VerifierAvailable:           deps.Verifier != nil && deps.Verifier(),
		}
		if probe(ctx, deps.Database) != nil {
			resp.Services["database"] = "degraded"
		}
		if probe(ctx, deps.Cache) != nil {
			resp.Services["cache"] = "degraded"
		}
		for _, name := range deps.SourceOrder {
			check, ok := deps.Retrieval[name]
			if !ok {
				continue
			}
			if probe(ctx, check) != nil {
				resp.RetrievalSourcesUnavailable = append(resp.RetrievalSourcesUnavailable, name)
				continue
			}
			resp.RetrievalSourcesAvailable = append(resp.RetrievalSourcesAvailable, name)
		}

		if resp.Services["database"] != "ok" || resp.Services["cache"] != "ok" {
			resp.Status = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", resp)
			return
		}
		if len(resp.RetrievalSourcesAvailable) == 0 || !resp.VerifierAvailable {
			resp.Status = "degraded"
		}
		response.JSON(w, resp)
	}
}

func probe(ctx context.Context, c Check) error {
	if c == nil {
		return nil
	}
	return c(ctx)
}
