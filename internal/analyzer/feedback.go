package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/events"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const maxFeedbackBytes = 8 * 1024

// FeedbackRequest is a user verdict on an analysis.
type FeedbackRequest struct {
	AnalysisID uuid.UUID `json:"analysis_id"`
	Verdict    string    `json:"verdict"`
	Note       *string   `json:"note,omitempty"`
	Corrected  *string   `json:"corrected,omitempty"`
	Actor      string    `json:"-"`
}

// FeedbackResult is the recorded feedback and the analysis that now stands for the failure.
// RefinementPending is set when a refine without a correction re-runs the analysis in the background.
type FeedbackResult struct {
	Feedback          *models.Feedback `json:"feedback"`
	Analysis          *models.Analysis `json:"analysis"`
	RefinementPending bool             `json:"refinement_pending"`
}

// Feedback applies a verdict. accept and reject set the review state of the analysis and its failure;
// only answered analyses (PASS or HITL) can be accepted. reject and refine withdraw the analysis from
// the cache and the errors index. refine supersedes the analysis: a corrected answer is stored at once
// as a child analysis, a note alone re-runs the analysis with the note as a query hint.
func (s *Service) Feedback(ctx context.Context, projectID uuid.UUID, req FeedbackRequest) (*FeedbackResult, error) {
	note := trimmed(req.Note)
	corrected := trimmed(req.Corrected)
	if err := validateFeedback(req.Verdict, note, corrected); err != nil {
		return nil, err
	}
	ctx = tenant.WithProject(ctx, projectID)

	a, err := s.store.GetAnalysis(ctx, req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("load analysis %s: %w", req.AnalysisID, err)
	}
	if a.Review == models.ReviewSuperseded {
		return nil, apperr.Input("feedback", "analysis has been superseded by a refinement")
	}

	fb := &models.Feedback{AnalysisID: a.ID, Verdict: req.Verdict, Note: note, Corrected: corrected}
	res := &FeedbackResult{Feedback: fb, Analysis: a}

	switch req.Verdict {
	case models.VerdictAccept:
		if a.Status == models.StatusReject || a.Status == models.StatusAbort {
			return nil, apperr.Input("feedback", fmt.Sprintf("a %s analysis has no answer to accept", a.Status))
		}
		if err := s.setReview(ctx, a, models.ReviewAccepted, models.FailureAccepted); err != nil {
			return nil, err
		}
		s.index(ctx, a)
	case models.VerdictReject:
		if err := s.setReview(ctx, a, models.ReviewRejected, models.FailureRejected); err != nil {
			return nil, err
		}
		s.invalidate(ctx, a)
		s.unindex(ctx, a.ID)
	case models.VerdictRefine:
		if err := s.store.SetAnalysisReview(ctx, a.ID, models.ReviewSuperseded); err != nil {
			return nil, fmt.Errorf("supersede analysis: %w", err)
		}
		a.Review = models.ReviewSuperseded
		s.invalidate(ctx, a)
		s.unindex(ctx, a.ID)

		if corrected != nil {
			refined, err := s.review.Refine(ctx, a, *corrected)
			if err != nil {
				return nil, err
			}
			s.setStatus(ctx, a.FailureID, models.FailureAccepted)
			fb.RefinedAnalysisID = &refined.ID
			res.Analysis = refined
		} else {
			res.RefinementPending = true
			s.refineInBackground(ctx, projectID, a, *note)
		}
	}

	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("record feedback: %w", err)
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}
	s.audit(ctx, projectID, actor, "feedback."+req.Verdict, "analysis:"+a.ID.String(), "")
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:       events.TypeFeedback,
		ProjectID:  projectID,
		FailureID:  a.FailureID,
		AnalysisID: res.Analysis.ID,
		Status:     req.Verdict,
		Category:   string(a.ErrorCategory),
	})
	return res, nil
}

func validateFeedback(verdict string, note, corrected *string) error {
	switch verdict {
	case models.VerdictAccept, models.VerdictReject:
	case models.VerdictRefine:
		if note == nil && corrected == nil {
			return apperr.Input("feedback", "refine requires a note or a corrected answer")
		}
	default:
		return apperr.Input("feedback", fmt.Sprintf("unknown verdict %q", verdict))
	}
	for _, v := range []*string{note, corrected} {
		if v != nil && len(*v) > maxFeedbackBytes {
			return apperr.Input("feedback", fmt.Sprintf("feedback text exceeds %d bytes", maxFeedbackBytes))
		}
	}
	return nil
}

// setReview sets the review state of an analysis and the matching failure status.
func (s *Service) setReview(ctx context.Context, a *models.Analysis, review, failureStatus string) error {
	if err := s.store.SetAnalysisReview(ctx, a.ID, review); err != nil {
		return fmt.Errorf("set analysis review: %w", err)
	}
	a.Review = review
	if err := s.store.UpdateFailureStatus(ctx, a.FailureID, failureStatus); err != nil {
		return fmt.Errorf("update failure status: %w", err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, a *models.Analysis) {
	if a.CacheKey == "" {
		return
	}
	if err := s.cache.InvalidateAnalysis(ctx, a.ProjectID, a.CacheKey); err != nil {
		s.logger.Warn("cache invalidation failed", "analysis_id", a.ID, "error", err)
	}
}

func (s *Service) refineInBackground(ctx context.Context, projectID uuid.UUID, parent *models.Analysis, hint string) {
	parentID := parent.ID
	failureID := parent.FailureID
	s.goBackground(ctx, "refine", func(ctx context.Context) {
		res, err := s.analyze(ctx, projectID, failureID, run{force: true, hint: hint, parent: &parentID})
		if err != nil {
			s.logger.Warn("refinement failed", "failure_id", failureID, "error", err)
			return
		}
		s.logger.Info("refinement finished", "failure_id", failureID, "analysis_id", res.ID, "status", res.Status)
	})
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
