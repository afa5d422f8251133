package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the data access interface. All database operations go through here.
// Every method except the API key and ping methods reads the tenant scope from ctx
// (see package tenant) and fails closed when it is missing.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	UpsertFailure(ctx context.Context, f *models.Failure) (*models.Failure, bool, error)
	GetFailure(ctx context.Context, id uuid.UUID) (*models.Failure, error)
	ListFailures(ctx context.Context, filter FailureFilter) ([]*models.Failure, int, error)
	UpdateFailureStatus(ctx context.Context, id uuid.UUID, status string) error
	ListAgingCandidates(ctx context.Context, minOccurrences int, minSpan time.Duration, limit int) ([]*models.Failure, error)

	CreateAnalysis(ctx context.Context, a *models.Analysis, evidence []models.RetrievalResult) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	GetLatestAnalysis(ctx context.Context, failureID uuid.UUID) (*models.Analysis, error)
	SetAnalysisReview(ctx context.Context, id uuid.UUID, review string) error
	GetEvidence(ctx context.Context, analysisID uuid.UUID) ([]*models.RetrievalResult, error)
	SearchAnalyses(ctx context.Context, q StructuredQuery) ([]*AnalysisHit, error)
	ListResolvedAnalyses(ctx context.Context, limit int) ([]*models.Analysis, error)

	CreateHITLItem(ctx context.Context, item *models.HITLItem) error
	GetHITLItem(ctx context.Context, id uuid.UUID) (*models.HITLItem, error)
	ListHITLQueue(ctx context.Context, filter HITLFilter) ([]*models.HITLItem, error)
	DecideHITLItem(ctx context.Context, id uuid.UUID, d HITLDecision) (*models.HITLItem, error)

	CreateFeedback(ctx context.Context, fb *models.Feedback) error

	CreateKnowledgeDoc(ctx context.Context, doc *models.KnowledgeDoc) error
	ListKnowledgeDocs(ctx context.Context, limit int) ([]*models.KnowledgeDoc, error)

	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// FailureFilter narrows ListFailures. Zero values are ignored.
type FailureFilter struct {
	Status   string
	JobName  string
	TestName string
	Since    time.Time
	Page     int
	Limit    int
}

// StructuredQuery drives the structured retrieval source over analysis history.
type StructuredQuery struct {
	Text     string
	Category models.Category
	Since    time.Time
	Limit    int
}

// AnalysisHit is one structured-retrieval match.
type AnalysisHit struct {
	Analysis *models.Analysis
	Rank     float64
}

// HITLFilter narrows ListHITLQueue. An empty Status means pending.
type HITLFilter struct {
	Status   string
	Priority string
	Limit    int
}

// HITLDecision is a reviewer's terminal decision on a HITL item.
type HITLDecision struct {
	Status          string
	Reviewer        string
	Notes           *string
	CorrectedAnswer *string
}
