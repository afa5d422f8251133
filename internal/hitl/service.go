// Package hitl runs the human review queue for medium-confidence analyses.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/events"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	defaultSLA      = 2 * time.Hour
	defaultCacheTTL = time.Hour
)

// Indexer stores accepted answers so later retrievals can find them.
type Indexer interface {
	IndexAnalysis(ctx context.Context, a *models.Analysis) error
}

// Service is the HITL queue. It is safe for concurrent use.
type Service struct {
	store     store.Store
	cache     cache.Cache
	publisher events.Publisher
	indexer   Indexer
	sla       time.Duration
	cacheTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithIndexer(i Indexer) Option { return func(s *Service) { s.indexer = i } }

func WithSLA(d time.Duration) Option { return func(s *Service) { s.sla = d } }

func WithCacheTTL(d time.Duration) Option { return func(s *Service) { s.cacheTTL = d } }

// WithClock replaces time.Now for SLA computation.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(st store.Store, c cache.Cache, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     st,
		cache:     c,
		publisher: events.Nop{},
		sla:       defaultSLA,
		cacheTTL:  defaultCacheTTL,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sla <= 0 {
		s.sla = defaultSLA
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultCacheTTL
	}
	return s
}

// Enqueue puts an analysis up for review with a deadline of now + SLA.
func (s *Service) Enqueue(ctx context.Context, a *models.Analysis, priority string, concerns []string) (*models.HITLItem, error) {
	switch priority {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		priority = models.PriorityMedium
	}
	if concerns == nil {
		concerns = []string{}
	}
	item := &models.HITLItem{
		FailureID:   a.FailureID,
		AnalysisID:  a.ID,
		Priority:    priority,
		Status:      models.HITLPending,
		Confidence:  a.OverallConfidence,
		Concerns:    concerns,
		SLADeadline: s.now().Add(s.sla),
	}
	if err := s.store.CreateHITLItem(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue analysis %s: %w", a.ID, err)
	}
	s.logger.Info("analysis queued for review",
		"hitl_id", item.ID, "analysis_id", a.ID, "priority", priority, "sla_deadline", item.SLADeadline)
	return item, nil
}

// QueueItem is a queued item plus whether its SLA has passed.
type QueueItem struct {
	*models.HITLItem
	Overdue bool `json:"overdue"`
}

// Queue is one page of the review queue.
type Queue struct {
	Items   []QueueItem `json:"items"`
	Overdue int         `json:"overdue"`
}

// Queue lists items ordered by priority (high first) then age (oldest first).
func (s *Service) Queue(ctx context.Context, filter store.HITLFilter) (*Queue, error) {
	items, err := s.store.ListHITLQueue(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list hitl queue: %w", err)
	}
	now := s.now()
	q := &Queue{Items: make([]QueueItem, 0, len(items))}
	for _, it := range items {
		overdue := it.Status == models.HITLPending && now.After(it.SLADeadline)
		if overdue {
			q.Overdue++
		}
		q.Items = append(q.Items, QueueItem{HITLItem: it, Overdue: overdue})
	}
	if filter.Status == "" || filter.Status == models.HITLPending {
		metrics.SetHITLQueueDepth(len(items))
	}
	return q, nil
}

// Decision is the outcome of a review: the decided item and the analysis now standing for the failure.
type Decision struct {
	Item     *models.HITLItem `json:"item"`
	Analysis *models.Analysis `json:"analysis"`
}

// Approve accepts the queued answer. The accepted answer is cached and indexed as prior knowledge.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, reviewer string, notes *string) (*Decision, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, apperr.Input("hitl approve", "reviewer is required")
	}
	item, err := s.store.DecideHITLItem(ctx, id, store.HITLDecision{
		Status:   models.HITLApproved,
		Reviewer: reviewer,
		Notes:    notes,
	})
	if err != nil {
		return nil, fmt.Errorf("approve hitl item %s: %w", id, err)
	}
	a, err := s.store.GetAnalysis(ctx, item.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("load approved analysis: %w", err)
	}

	if a.CacheKey != "" {
		payload, err := json.Marshal(a)
		if err == nil {
			_, _, err = s.cache.StoreAnalysis(ctx, a.ProjectID, a.CacheKey, payload, s.cacheTTL)
		}
		if err != nil {
			s.logger.Warn("caching approved analysis failed", "analysis_id", a.ID, "error", err)
		}
	}
	s.index(ctx, a)
	s.audit(ctx, reviewer, "hitl.approve", item, "")
	s.emit(ctx, item, a)
	return &Decision{Item: item, Analysis: a}, nil
}

// Reject declines the queued answer. A corrected answer becomes a refined analysis. Either way the
// cached entry is dropped.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reviewer string, notes, corrected *string) (*Decision, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, apperr.Input("hitl reject", "reviewer is required")
	}
	if corrected != nil {
		trimmed := strings.TrimSpace(*corrected)
		if trimmed == "" {
			corrected = nil
		} else {
			corrected = &trimmed
		}
	}

	item, err := s.store.DecideHITLItem(ctx, id, store.HITLDecision{
		Status:          models.HITLRejected,
		Reviewer:        reviewer,
		Notes:           notes,
		CorrectedAnswer: corrected,
	})
	if err != nil {
		return nil, fmt.Errorf("reject hitl item %s: %w", id, err)
	}
	parent, err := s.store.GetAnalysis(ctx, item.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("load rejected analysis: %w", err)
	}

	if corrected == nil {
		if parent.CacheKey != "" {
			if err := s.cache.InvalidateAnalysis(ctx, parent.ProjectID, parent.CacheKey); err != nil {
				s.logger.Warn("cache invalidation failed", "analysis_id", parent.ID, "error", err)
			}
		}
		s.audit(ctx, reviewer, "hitl.reject", item, "")
		s.emit(ctx, item, parent)
		return &Decision{Item: item, Analysis: parent}, nil
	}

	refined, err := s.Refine(ctx, parent, *corrected)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, reviewer, "hitl.reject", item, "refined_analysis_id="+refined.ID.String())
	s.emit(ctx, item, refined)
	return &Decision{Item: item, Analysis: refined}, nil
}

// Refine persists a corrected answer as a child of parent, reusing its evidence. The cached entry is
// dropped so the next analysis of the failure recomputes.
func (s *Service) Refine(ctx context.Context, parent *models.Analysis, corrected string) (*models.Analysis, error) {
	refs, err := s.store.GetEvidence(ctx, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("load evidence of %s: %w", parent.ID, err)
	}
	evidence := make([]models.RetrievalResult, len(refs))
	for i, r := range refs {
		evidence[i] = *r
	}

	refined := parent.Refine(corrected)
	if err := s.store.CreateAnalysis(ctx, refined, evidence); err != nil {
		return nil, fmt.Errorf("create refined analysis: %w", err)
	}
	if refined.CacheKey != "" {
		if err := s.cache.InvalidateAnalysis(ctx, refined.ProjectID, refined.CacheKey); err != nil {
			s.logger.Warn("cache invalidation failed", "analysis_id", refined.ID, "error", err)
		}
	}
	s.index(ctx, refined)
	return refined, nil
}

func (s *Service) index(ctx context.Context, a *models.Analysis) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexAnalysis(ctx, a); err != nil {
		s.logger.Warn("indexing accepted analysis failed", "analysis_id", a.ID, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, actor, action string, item *models.HITLItem, detail string) {
	projectID := item.ProjectID
	entry := &models.AuditEntry{
		ProjectID: &projectID,
		Actor:     actor,
		Action:    action,
		Subject:   "hitl_item:" + item.ID.String(),
		Detail:    detail,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, item *models.HITLItem, a *models.Analysis) {
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:       events.TypeHITLDecided,
		ProjectID:  item.ProjectID,
		FailureID:  item.FailureID,
		AnalysisID: a.ID,
		Status:     item.Status,
		Category:   string(a.ErrorCategory),
	})
}
