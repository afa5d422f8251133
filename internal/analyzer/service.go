// Package analyzer orchestrates one analysis request: cache lookup, the per-failure in-progress lock,
// the wall-clock deadline, the ReAct loop, persistence of the outcome and its side effects.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/events"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/internal/react"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// ErrInProgress is returned when another request holds the failure's analysis lock.
var ErrInProgress = errors.New("analysis already in progress")

// Runner runs the analysis loop.
type Runner interface {
	Run(ctx context.Context, in react.Input) (react.Outcome, error)
}

// ReviewQueue is the slice of the HITL service the analyzer drives.
type ReviewQueue interface {
	Enqueue(ctx context.Context, a *models.Analysis, priority string, concerns []string) (*models.HITLItem, error)
	Refine(ctx context.Context, parent *models.Analysis, corrected string) (*models.Analysis, error)
}

// Indexer feeds accepted answers back into retrieval and withdraws the ones reviewers turn down.
type Indexer interface {
	IndexAnalysis(ctx context.Context, a *models.Analysis) error
	RemoveAnalysis(ctx context.Context, id uuid.UUID) error
}

// Options are the analysis limits.
type Options struct {
	Deadline time.Duration
	CacheTTL time.Duration
}

// OptionsFrom reads the limits from the analysis settings.
func OptionsFrom(cfg config.AnalysisConfig) Options {
	return Options{Deadline: cfg.Deadline, CacheTTL: cfg.CacheTTL}
}

func (o Options) withDefaults() Options {
	if o.Deadline <= 0 {
		o.Deadline = 60 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
	return o
}

// Deps are the collaborators of a Service. Indexer and Publisher may be nil.
type Deps struct {
	Store     store.Store
	Cache     cache.Cache
	Loop      Runner
	Review    ReviewQueue
	Indexer   Indexer
	Publisher events.Publisher
}

// Service is safe for concurrent use.
type Service struct {
	store     store.Store
	cache     cache.Cache
	loop      Runner
	review    ReviewQueue
	indexer   Indexer
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store:     deps.Store,
		cache:     deps.Cache,
		loop:      deps.Loop,
		review:    deps.Review,
		indexer:   deps.Indexer,
		publisher: pub,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Result is an analysis as returned to callers.
type Result struct {
	*models.Analysis
	CacheHit   bool       `json:"cache_hit"`
	HITLItemID *uuid.UUID `json:"hitl_item_id,omitempty"`
}

// Analyze returns the analysis of a failure. Unless force is set, a cached answer for the same
// normalized error is returned with CacheHit set; when that answer was produced for another failure,
// an unanalyzed failure gets its own copy of it. A deadline that leaves no candidate persists an
// ABORT analysis and returns it together with a deadline error.
func (s *Service) Analyze(ctx context.Context, projectID, failureID uuid.UUID, force bool) (*Result, error) {
	return s.analyze(ctx, projectID, failureID, run{force: force})
}

// run carries the per-request options of analyze. A refinement forces a fresh run, passes the
// reviewer's note as a query hint and links the result to the analysis it replaces.
type run struct {
	force  bool
	hint   string
	parent *uuid.UUID
}

func (s *Service) analyze(ctx context.Context, projectID, failureID uuid.UUID, opts run) (*Result, error) {
	ctx = tenant.WithProject(ctx, projectID)
	start := time.Now()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	failure, err := s.store.GetFailure(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("load failure %s: %w", failureID, err)
	}
	key := normalize.CacheKey(projectID, failure.ErrorLog, failure.ErrorMessage)

	if !opts.force {
		if res := s.cached(ctx, projectID, key); res != nil {
			if res.FailureID != failure.ID {
				res = s.adopt(ctx, failure, res)
			}
			events.Emit(ctx, s.publisher, s.logger, events.Event{
				Type:       events.TypeAnalysisCompleted,
				ProjectID:  projectID,
				FailureID:  failure.ID,
				AnalysisID: res.ID,
				Status:     res.Status,
				Category:   string(res.ErrorCategory),
				CacheHit:   true,
			})
			return res, nil
		}
	}

	release, err := s.cache.AcquireLock(ctx, cache.AnalysisLockKey(failureID), s.opts.Deadline+15*time.Second)
	switch {
	case errors.Is(err, cache.ErrLockHeld):
		return nil, apperr.Wrap(apperr.KindConflict, "analyze", ErrInProgress)
	case err != nil:
		s.logger.Warn("analysis lock unavailable, continuing without it", "failure_id", failureID, "error", err)
	default:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("releasing analysis lock failed", "failure_id", failureID, "error", err)
			}
		}()
	}

	if err := s.store.UpdateFailureStatus(ctx, failureID, models.FailureAnalyzing); err != nil {
		return nil, fmt.Errorf("mark failure analyzing: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	outcome, err := s.loop.Run(runCtx, react.Input{Failure: failure, Project: project, Hint: opts.hint})
	cancel()
	// Persistence must outlive a cancelled caller so the failure never stays "analyzing".
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.restore(persistCtx, failureID)
		return nil, err
	}

	a := toAnalysis(failure, outcome, key)
	a.ParentID = opts.parent
	if err := s.store.CreateAnalysis(persistCtx, a, outcome.Details().Evidence); err != nil {
		s.restore(persistCtx, failureID)
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	res := &Result{Analysis: a}

	var runErr error
	switch o := outcome.(type) {
	case *react.PassResult:
		s.setStatus(persistCtx, failureID, models.FailureAnalyzed)
		// A refinement answers one reviewer's hint, not the error in general.
		if opts.parent == nil {
			s.cacheAnswer(persistCtx, a, opts.force)
		}
		s.index(persistCtx, a)
	case *react.HitlResult:
		s.setStatus(persistCtx, failureID, models.FailureHITL)
		item, err := s.review.Enqueue(persistCtx, a, o.Priority, o.Concerns)
		if err != nil {
			s.logger.Error("enqueueing analysis for review failed", "analysis_id", a.ID, "error", err)
		} else {
			res.HITLItemID = &item.ID
		}
	case *react.RejectResult:
		s.setStatus(persistCtx, failureID, models.FailureAnalyzed)
	case *react.AbortResult:
		s.setStatus(persistCtx, failureID, models.FailureUnanalyzed)
		if apperr.Is(o.Err, apperr.KindDeadline) {
			runErr = apperr.Wrap(apperr.KindDeadline, "analyze", o.Err)
		} else {
			s.audit(persistCtx, projectID, "analyzer", "analysis.abort", "analysis:"+a.ID.String(), o.Err.Error())
		}
	}

	elapsed := time.Since(start)
	metrics.RecordAnalysis(a.Status, string(a.ErrorCategory), elapsed)
	events.Emit(persistCtx, s.publisher, s.logger, events.Event{
		Type:       events.TypeAnalysisCompleted,
		ProjectID:  projectID,
		FailureID:  failureID,
		AnalysisID: a.ID,
		Status:     a.Status,
		Category:   string(a.ErrorCategory),
	})
	s.logger.Info("analysis finished",
		"project_id", projectID,
		"failure_id", failureID,
		"analysis_id", a.ID,
		"status", a.Status,
		"category", a.ErrorCategory,
		"overall_confidence", a.OverallConfidence,
		"iterations", a.Iterations,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, runErr
}

// cached returns the cached analysis for key, or nil on a miss. Cache errors count as misses.
func (s *Service) cached(ctx context.Context, projectID uuid.UUID, key string) *Result {
	raw, ok, err := s.cache.GetAnalysis(ctx, projectID, key)
	if err != nil {
		s.logger.Warn("analysis cache lookup failed", "project_id", projectID, "error", err)
		return nil
	}
	metrics.RecordCacheLookup(ok)
	if !ok {
		return nil
	}
	var a models.Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		s.logger.Warn("dropping undecodable cache entry", "project_id", projectID, "error", err)
		_ = s.cache.InvalidateAnalysis(ctx, projectID, key)
		return nil
	}
	return &Result{Analysis: &a, CacheHit: true}
}

// adopt records a cached answer produced for another failure with the same error as an analysis
// of f, linked to the original evidence, and marks f analyzed. A failure that already has an
// analysis history, or is being analyzed right now, gets the cached answer as is.
func (s *Service) adopt(ctx context.Context, f *models.Failure, hit *Result) *Result {
	if f.Status != models.FailureUnanalyzed {
		return hit
	}
	release, err := s.cache.AcquireLock(ctx, cache.AnalysisLockKey(f.ID), 15*time.Second)
	switch {
	case errors.Is(err, cache.ErrLockHeld):
		return hit
	case err != nil:
		s.logger.Warn("analysis lock unavailable, continuing without it", "failure_id", f.ID, "error", err)
	default:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("releasing analysis lock failed", "failure_id", f.ID, "error", err)
			}
		}()
	}

	src := hit.Analysis
	stored, err := s.store.GetEvidence(ctx, src.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("loading evidence of cached analysis failed", "analysis_id", src.ID, "error", err)
	}
	evidence := make([]models.RetrievalResult, 0, len(stored))
	for _, r := range stored {
		evidence = append(evidence, *r)
	}

	a := *src
	a.ID = uuid.Nil
	a.FailureID = f.ID
	a.ParentID = nil
	a.Review = models.ReviewNone
	a.EvidenceRefs = nil
	a.CreatedAt = time.Time{}
	a.Warnings = append(append([]string(nil), src.Warnings...), "answer reused from analysis "+src.ID.String())

	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.CreateAnalysis(persistCtx, &a, evidence); err != nil {
		s.logger.Warn("recording reused analysis failed", "failure_id", f.ID, "analysis_id", src.ID, "error", err)
		return hit
	}
	s.setStatus(persistCtx, f.ID, models.FailureAnalyzing)
	s.setStatus(persistCtx, f.ID, models.FailureAnalyzed)
	s.logger.Info("cached analysis reused",
		"failure_id", f.ID,
		"analysis_id", a.ID,
		"source_analysis_id", src.ID,
	)
	return &Result{Analysis: &a, CacheHit: true}
}

// cacheAnswer writes a PASS answer. The first writer wins unless the request forced a fresh analysis.
func (s *Service) cacheAnswer(ctx context.Context, a *models.Analysis, force bool) {
	payload, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("encoding analysis for cache failed", "analysis_id", a.ID, "error", err)
		return
	}
	if force {
		err = s.cache.ReplaceAnalysis(ctx, a.ProjectID, a.CacheKey, payload, s.opts.CacheTTL)
	} else {
		_, _, err = s.cache.StoreAnalysis(ctx, a.ProjectID, a.CacheKey, payload, s.opts.CacheTTL)
	}
	if err != nil {
		s.logger.Warn("caching analysis failed", "analysis_id", a.ID, "error", err)
	}
}

func (s *Service) index(ctx context.Context, a *models.Analysis) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexAnalysis(ctx, a); err != nil {
		s.logger.Warn("indexing analysis failed", "analysis_id", a.ID, "error", err)
	}
}

func (s *Service) unindex(ctx context.Context, id uuid.UUID) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.RemoveAnalysis(ctx, id); err != nil {
		s.logger.Warn("removing analysis from index failed", "analysis_id", id, "error", err)
	}
}

func (s *Service) setStatus(ctx context.Context, failureID uuid.UUID, status string) {
	if err := s.store.UpdateFailureStatus(ctx, failureID, status); err != nil {
		s.logger.Error("updating failure status failed", "failure_id", failureID, "status", status, "error", err)
	}
}

func (s *Service) restore(ctx context.Context, failureID uuid.UUID) {
	s.setStatus(ctx, failureID, models.FailureUnanalyzed)
}

func (s *Service) audit(ctx context.Context, projectID uuid.UUID, actor, action, subject, detail string) {
	entry := &models.AuditEntry{
		ProjectID: &projectID,
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Detail:    detail,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// Wait blocks until background refinements have finished.
func (s *Service) Wait() { s.wg.Wait() }

// goBackground runs fn detached from the request, keeping its tenant scope.
func (s *Service) goBackground(ctx context.Context, name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in background task", "task", name, "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		fn(context.WithoutCancel(ctx))
	}()
}

func toAnalysis(f *models.Failure, o react.Outcome, key string) *models.Analysis {
	r := o.Details()
	a := &models.Analysis{
		FailureID:                f.ID,
		Status:                   o.Status(),
		Review:                   models.ReviewNone,
		ErrorCategory:            r.Category,
		RootCause:                r.Answer.RootCause,
		Recommendation:           r.Answer.Recommendation,
		Severity:                 r.Answer.Severity,
		ClassificationConfidence: r.ClassificationConfidence,
		SolutionConfidence:       r.SolutionConfidence,
		OverallConfidence:        r.OverallConfidence,
		Scores:                   r.Scores,
		Concerns:                 []string{},
		Iterations:               r.Iterations,
		ToolsUsed:                r.ToolsUsed,
		ActionsTaken:             r.Actions,
		Routing:                  r.Routing,
		Warnings:                 r.Warnings,
		CacheKey:                 key,
	}
	switch v := o.(type) {
	case *react.HitlResult:
		a.Concerns = append(a.Concerns, v.Concerns...)
	case *react.RejectResult:
		a.Concerns = append(a.Concerns, v.Concerns...)
	case *react.AbortResult:
		if apperr.Is(v.Err, apperr.KindDeadline) {
			a.Concerns = append(a.Concerns, "deadline")
		} else {
			a.Concerns = append(a.Concerns, "fatal: "+apperr.MessageOf(v.Err))
		}
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	}
	return a
}
