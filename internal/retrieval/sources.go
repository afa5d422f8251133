package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/keyword"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/internal/vectorstore"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Source is one retrieval backend. The project comes from the tenant scope in ctx.
type Source interface {
	Name() string
	Search(ctx context.Context, q SourceQuery) ([]Candidate, error)
}

// SourceQuery is what every source receives.
type SourceQuery struct {
	Text     string
	Category models.Category
	K        int
}

// AnalysisDocID and KnowledgeDocID are the document ids shared by every index, so the same
// document found by several sources fuses into one candidate.
func AnalysisDocID(id uuid.UUID) string  { return "analysis:" + id.String() }
func KnowledgeDocID(id uuid.UUID) string { return "knowledge:" + id.String() }

// AnalysisText is the indexed text of an accepted analysis.
func AnalysisText(a *models.Analysis) string {
	return strings.TrimSpace(a.RootCause + "\n" + a.Recommendation)
}

// VectorSource searches one vector collection.
type VectorSource struct {
	name       string
	collection string
	store      vectorstore.Store
}

func NewVectorSource(name, collection string, s vectorstore.Store) *VectorSource {
	return &VectorSource{name: name, collection: collection, store: s}
}

func (s *VectorSource) Name() string { return s.name }

func (s *VectorSource) Search(ctx context.Context, q SourceQuery) ([]Candidate, error) {
	hits, err := s.store.Search(ctx, s.collection, q.Text, q.K)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = Candidate{
			Source:       s.name,
			DocID:        h.ID,
			Text:         h.Content,
			Score:        h.Similarity,
			Similarity:   h.Similarity,
			Category:     h.Category,
			DocType:      h.DocType,
			SourceURL:    h.SourceURL,
			DocumentTime: h.CreatedAt,
		}
	}
	return out, nil
}

// KeywordSource searches the project's BM25 index.
type KeywordSource struct {
	manager *keyword.Manager
}

func NewKeywordSource(m *keyword.Manager) *KeywordSource { return &KeywordSource{manager: m} }

func (s *KeywordSource) Name() string { return models.SourceKeyword }

func (s *KeywordSource) Search(ctx context.Context, q SourceQuery) ([]Candidate, error) {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return nil, err
	}
	hits, err := s.manager.Search(ctx, projectID, q.Text, q.K)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = Candidate{
			Source:       models.SourceKeyword,
			DocID:        h.ID,
			Text:         h.Text,
			Score:        h.Score,
			Similarity:   h.Similarity,
			Category:     h.Category,
			DocType:      h.DocType,
			SourceURL:    h.SourceURL,
			DocumentTime: h.CreatedAt,
		}
	}
	return out, nil
}

// AnalysisSearcher is the slice of store.Store the structured source needs.
type AnalysisSearcher interface {
	SearchAnalyses(ctx context.Context, q store.StructuredQuery) ([]*store.AnalysisHit, error)
}

// StructuredSource searches analysis history filtered by category and recency.
type StructuredSource struct {
	store  AnalysisSearcher
	window time.Duration
	now    func() time.Time
}

// NewStructuredSource limits results to analyses newer than window. A zero window means no limit.
func NewStructuredSource(s AnalysisSearcher, window time.Duration) *StructuredSource {
	return &StructuredSource{store: s, window: window, now: time.Now}
}

func (s *StructuredSource) Name() string { return models.SourceStructured }

func (s *StructuredSource) Search(ctx context.Context, q SourceQuery) ([]Candidate, error) {
	sq := store.StructuredQuery{Text: q.Text, Limit: q.K}
	if q.Category != "" && q.Category != models.CategoryUnknown {
		sq.Category = q.Category
	}
	if s.window > 0 {
		sq.Since = s.now().Add(-s.window)
	}
	hits, err := s.store.SearchAnalyses(ctx, sq)
	if err != nil {
		return nil, err
	}

	var top float64
	for _, h := range hits {
		if h.Rank > top {
			top = h.Rank
		}
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		sim := 0.0
		if top > 0 {
			sim = h.Rank / top
		}
		out[i] = Candidate{
			Source:       models.SourceStructured,
			DocID:        AnalysisDocID(h.Analysis.ID),
			Text:         AnalysisText(h.Analysis),
			Score:        h.Rank,
			Similarity:   sim,
			Category:     h.Analysis.ErrorCategory,
			DocType:      "prior_analysis",
			DocumentTime: h.Analysis.CreatedAt,
		}
	}
	return out, nil
}
