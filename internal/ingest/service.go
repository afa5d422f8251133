// Package ingest records failures reported by CI listeners and keeps the knowledge indexes fed with
// documentation and accepted answers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/keyword"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/internal/retrieval"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/internal/vectorstore"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	maxMessageBytes = 8 * 1024
	maxStackBytes   = 32 * 1024
	maxLogBytes     = 64 * 1024
	maxFieldBytes   = 512
	maxContentBytes = 32 * 1024

	docTypePriorAnalysis = "prior_analysis"
)

// Service is safe for concurrent use. A nil vector store or keyword manager disables that index.
type Service struct {
	store    store.Store
	vectors  vectorstore.Store
	keywords *keyword.Manager
	logger   *slog.Logger
}

func NewService(st store.Store, vectors vectorstore.Store, keywords *keyword.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, vectors: vectors, keywords: keywords, logger: logger}
}

// IngestFailure upserts a failure by (project, job, build, test). A repeated tuple bumps the occurrence
// count instead of creating a row; created reports which happened.
func (s *Service) IngestFailure(ctx context.Context, projectID uuid.UUID, ev models.FailureEvent) (*models.Failure, bool, error) {
	if err := validateEvent(ev); err != nil {
		return nil, false, err
	}
	f := &models.Failure{
		JobName:      strings.TrimSpace(ev.JobName),
		BuildID:      strings.TrimSpace(ev.BuildID),
		TestName:     strings.TrimSpace(ev.TestName),
		ErrorMessage: normalize.TruncateString(ev.ErrorMessage, maxMessageBytes),
		StackTrace:   normalize.TruncateString(ev.StackTrace, maxStackBytes),
		ErrorLog:     normalize.TruncateString(ev.ErrorLog, maxLogBytes),
	}
	if ev.ObservedAt != nil {
		f.LastSeen = ev.ObservedAt.UTC()
	}

	stored, created, err := s.store.UpsertFailure(tenant.WithProject(ctx, projectID), f)
	if err != nil {
		return nil, false, fmt.Errorf("upsert failure: %w", err)
	}
	s.logger.Info("failure ingested",
		"project_id", projectID, "failure_id", stored.ID, "job", stored.JobName, "test", stored.TestName,
		"created", created, "occurrences", stored.OccurrenceCount)
	return stored, created, nil
}

func validateEvent(ev models.FailureEvent) error {
	required := []struct{ name, value string }{
		{"job_name", ev.JobName},
		{"build_id", ev.BuildID},
		{"test_name", ev.TestName},
		{"error_message", ev.ErrorMessage},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return apperr.Input("ingest failure", r.name+" is required")
		}
	}
	for _, r := range required[:3] {
		if len(r.value) > maxFieldBytes {
			return apperr.Input("ingest failure", fmt.Sprintf("%s exceeds %d bytes", r.name, maxFieldBytes))
		}
	}
	return nil
}

// IndexAnalysis adds an accepted answer to the errors collection as a prior failure/fix pair and
// removes the answer it replaced. The project comes from the tenant scope in ctx.
func (s *Service) IndexAnalysis(ctx context.Context, a *models.Analysis) error {
	if s.vectors == nil {
		return nil
	}
	text := retrieval.AnalysisText(a)
	if f, err := s.store.GetFailure(ctx, a.FailureID); err == nil {
		text = strings.TrimSpace(f.ErrorMessage) + "\n" + text
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load failure of analysis %s: %w", a.ID, err)
	}

	doc := vectorstore.Document{
		ID:        retrieval.AnalysisDocID(a.ID),
		Content:   text,
		Category:  a.ErrorCategory,
		DocType:   docTypePriorAnalysis,
		CreatedAt: a.CreatedAt,
	}
	if err := s.vectors.Upsert(ctx, vectorstore.CollectionErrors, []vectorstore.Document{doc}); err != nil {
		return fmt.Errorf("index analysis %s: %w", a.ID, err)
	}
	if a.ParentID != nil {
		if err := s.vectors.Delete(ctx, vectorstore.CollectionErrors, []string{retrieval.AnalysisDocID(*a.ParentID)}); err != nil {
			s.logger.Warn("removing superseded analysis from index failed", "analysis_id", *a.ParentID, "error", err)
		}
	}
	return nil
}

// RemoveAnalysis drops a rejected or superseded answer from the errors collection so it no longer
// grounds later analyses.
func (s *Service) RemoveAnalysis(ctx context.Context, id uuid.UUID) error {
	if s.vectors == nil {
		return nil
	}
	if err := s.vectors.Delete(ctx, vectorstore.CollectionErrors, []string{retrieval.AnalysisDocID(id)}); err != nil {
		return fmt.Errorf("remove analysis %s: %w", id, err)
	}
	return nil
}

// KnowledgeRequest is a documentation chunk to add to a project.
type KnowledgeRequest struct {
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Category  models.Category `json:"category,omitempty"`
	DocType   string          `json:"doc_type,omitempty"`
	SourceURL string          `json:"source_url,omitempty"`
}

// AddKnowledge stores a documentation chunk and indexes it in the knowledge collection. The keyword
// index picks it up on its next rebuild.
func (s *Service) AddKnowledge(ctx context.Context, projectID uuid.UUID, req KnowledgeRequest) (*models.KnowledgeDoc, error) {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		return nil, apperr.Input("add knowledge", "title and content are required")
	}
	if len(req.Content) > maxContentBytes {
		return nil, apperr.Input("add knowledge", fmt.Sprintf("content exceeds %d bytes", maxContentBytes))
	}
	ctx = tenant.WithProject(ctx, projectID)

	doc := &models.KnowledgeDoc{
		Title:     strings.TrimSpace(req.Title),
		Content:   req.Content,
		Category:  req.Category,
		DocType:   req.DocType,
		SourceURL: req.SourceURL,
	}
	if err := s.store.CreateKnowledgeDoc(ctx, doc); err != nil {
		return nil, fmt.Errorf("create knowledge doc: %w", err)
	}
	if s.vectors != nil {
		err := s.vectors.Upsert(ctx, vectorstore.CollectionKnowledge, []vectorstore.Document{{
			ID:        retrieval.KnowledgeDocID(doc.ID),
			Content:   knowledgeText(doc),
			Category:  doc.Category,
			DocType:   doc.DocType,
			SourceURL: doc.SourceURL,
			CreatedAt: doc.CreatedAt,
		}})
		if err != nil {
			return nil, fmt.Errorf("index knowledge doc %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func knowledgeText(d *models.KnowledgeDoc) string {
	return d.Title + "\n" + d.Content
}

// Reindex rebuilds the project's keyword index from its knowledge documents and accepted analyses.
func (s *Service) Reindex(ctx context.Context, projectID uuid.UUID) (int, error) {
	if s.keywords == nil {
		return 0, errors.New("keyword index not configured")
	}
	ctx = tenant.WithProject(ctx, projectID)

	knowledge, err := s.store.ListKnowledgeDocs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list knowledge docs: %w", err)
	}
	analyses, err := s.store.ListResolvedAnalyses(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list resolved analyses: %w", err)
	}

	docs := make([]keyword.Doc, 0, len(knowledge)+len(analyses))
	for _, d := range knowledge {
		docs = append(docs, keyword.Doc{
			ID:        retrieval.KnowledgeDocID(d.ID),
			Text:      knowledgeText(d),
			Category:  d.Category,
			DocType:   d.DocType,
			SourceURL: d.SourceURL,
			CreatedAt: d.CreatedAt,
		})
	}
	for _, a := range analyses {
		docs = append(docs, keyword.Doc{
			ID:        retrieval.AnalysisDocID(a.ID),
			Text:      retrieval.AnalysisText(a),
			Category:  a.ErrorCategory,
			DocType:   docTypePriorAnalysis,
			CreatedAt: a.CreatedAt,
		})
	}
	if _, err := s.keywords.Rebuild(ctx, projectID, docs); err != nil {
		return 0, fmt.Errorf("rebuild keyword index: %w", err)
	}
	return len(docs), nil
}

// ReindexAll rebuilds every project's keyword index. One project failing does not stop the others.
func (s *Service) ReindexAll(ctx context.Context) (map[uuid.UUID]int, error) {
	projects, err := s.store.ListProjects(tenant.WithAdmin(ctx))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make(map[uuid.UUID]int, len(projects))
	var errs []error
	for _, p := range projects {
		n, err := s.Reindex(ctx, p.ID)
		if err != nil {
			s.logger.Error("keyword reindex failed", "project_id", p.ID, "error", err)
			errs = append(errs, fmt.Errorf("project %s: %w", p.ID, err))
			continue
		}
		out[p.ID] = n
	}
	return out, errors.Join(errs...)
}
