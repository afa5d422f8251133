// Package aging periodically analyzes recurring failures that no trigger has analyzed yet.
package aging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/faultline/internal/analyzer"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
)

// Analyzer is the analysis entry point the webhook trigger uses too.
type Analyzer interface {
	Analyze(ctx context.Context, projectID, failureID uuid.UUID, force bool) (*analyzer.Result, error)
}

// Sweeper finds unanalyzed failures with at least MinOccurrences occurrences spread over at least
// MinSpan and analyzes them, throttled by a token bucket.
type Sweeper struct {
	store    store.Store
	analyzer Analyzer
	cfg      config.AgingConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewSweeper(st store.Store, a Analyzer, cfg config.AgingConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinOccurrences < 1 {
		cfg.MinOccurrences = 2
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		store:    st,
		analyzer: a,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.Burst),
		logger:   logger,
	}
}

// RunOnce performs one sweep and returns how many failures it sent for analysis. Failures already
// being analyzed by another request are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	candidates, err := s.store.ListAgingCandidates(tenant.WithAdmin(ctx), s.cfg.MinOccurrences, s.cfg.MinSpan, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list aging candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	enqueued := 0
	defer func() { metrics.RecordAgingEnqueued(enqueued) }()
	for _, f := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			return enqueued, err
		}
		res, err := s.analyzer.Analyze(ctx, f.ProjectID, f.ID, false)
		switch {
		case err == nil:
			enqueued++
			s.logger.Info("aged failure analyzed",
				"project_id", f.ProjectID, "failure_id", f.ID, "occurrences", f.OccurrenceCount,
				"status", res.Status, "cache_hit", res.CacheHit)
		case apperr.Is(err, apperr.KindConflict):
			s.logger.Debug("aged failure already in progress", "failure_id", f.ID)
		case ctx.Err() != nil:
			return enqueued, ctx.Err()
		case apperr.Is(err, apperr.KindDeadline):
			enqueued++
			s.logger.Warn("aged failure analysis hit the deadline", "failure_id", f.ID)
		default:
			s.logger.Error("aged failure analysis failed", "project_id", f.ProjectID, "failure_id", f.ID, "error", err)
		}
	}
	return enqueued, nil
}

// Start sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("aging sweep started",
		"interval", s.cfg.Interval, "min_occurrences", s.cfg.MinOccurrences, "min_span", s.cfg.MinSpan)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("aging sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("aging sweep finished", "analyzed", n)
			}
		}
	}
}
