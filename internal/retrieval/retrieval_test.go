package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/rerank"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name  string
	hits  []Candidate
	err   error
	delay time.Duration

	mu      sync.Mutex
	queries []string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Search(ctx context.Context, q SourceQuery) ([]Candidate, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q.Text)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > q.K {
		return s.hits[:q.K], nil
	}
	return s.hits, nil
}

type fakeReranker struct {
	scores map[string]float64
	err    error
}

func (r *fakeReranker) Name() string { return "fake" }

func (r *fakeReranker) Rerank(_ context.Context, _ string, cands []rerank.Candidate) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]float64, len(cands))
	for i, c := range cands {
		out[i] = r.scores[c.ID]
	}
	return out, nil
}

func projectCtx() (uuid.UUID, context.Context) {
	id := uuid.New()
	return id, tenant.WithProject(context.Background(), id)
}

func doc(id, text string, cat models.Category) Candidate {
	return Candidate{DocID: id, Text: text, Similarity: 0.5, Category: cat}
}

func TestFusion_RetrieveRanksAndReranks(t *testing.T) {
	projectID, ctx := projectCtx()
	know := &fakeSource{name: models.SourceVectorKnowledge, hits: []Candidate{
		doc("k1", "raise -Xmx", models.CategoryInfra), doc("k2", "tune gc", models.CategoryInfra),
	}}
	kw := &fakeSource{name: models.SourceKeyword, hits: []Candidate{
		doc("k2", "tune gc", models.CategoryInfra), doc("k3", "heap dump", models.CategoryInfra),
	}}
	rr := &fakeReranker{scores: map[string]float64{"k1": 0.2, "k2": 0.5, "k3": 0.9}}

	f := NewFusion([]Source{know, kw}, rr, Options{KFinal: 2}, nil)
	res, err := f.Retrieve(ctx, Query{Text: "OutOfMemoryError", Category: models.CategoryInfra})
	require.NoError(t, err)

	require.Len(t, res.Evidence, 2)
	assert.Equal(t, "k3", res.Evidence[0].DocID)
	assert.Equal(t, 0.9, res.Evidence[0].RerankScore)
	assert.Equal(t, models.SourceKeyword, res.Evidence[0].Source)
	assert.Equal(t, "k2", res.Evidence[1].DocID)
	assert.InDelta(t, 1.0/62+1.0/61, res.Evidence[1].RRFScore, 1e-12)
	for _, ev := range res.Evidence {
		assert.Equal(t, projectID, ev.ProjectID)
		assert.NotEqual(t, uuid.Nil, ev.ID)
		assert.Equal(t, models.CategoryInfra, ev.Metadata.Category)
	}
	assert.False(t, res.Degraded())
	assert.Equal(t, []string{models.SourceVectorKnowledge, models.SourceKeyword}, res.Available)
	assert.Equal(t, "fake", res.Reranker)
}

func TestFusion_DegradedMode(t *testing.T) {
	_, ctx := projectCtx()
	know := &fakeSource{name: models.SourceVectorKnowledge, hits: []Candidate{doc("k1", "raise -Xmx", models.CategoryInfra)}}
	kw := &fakeSource{name: models.SourceKeyword, err: errors.New("index file locked")}

	f := NewFusion([]Source{know, kw}, nil, Options{}, nil)
	res, err := f.Retrieve(ctx, Query{Text: "heap"})
	require.NoError(t, err)
	assert.True(t, res.Degraded())
	assert.Equal(t, []string{models.SourceKeyword}, res.Failed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "keyword")
	assert.NotContains(t, res.Warnings[0], "locked")
	require.Len(t, res.Evidence, 1)
}

func TestFusion_AllSourcesUnavailableIsFatal(t *testing.T) {
	_, ctx := projectCtx()
	f := NewFusion([]Source{
		&fakeSource{name: models.SourceKeyword, err: errors.New("down")},
		&fakeSource{name: models.SourceStructured, err: errors.New("down")},
	}, nil, Options{}, nil)

	_, err := f.Retrieve(ctx, Query{Text: "heap"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllSourcesUnavailable)
	assert.True(t, apperr.Is(err, apperr.KindFatal))
}

func TestFusion_SourceTimeoutDegrades(t *testing.T) {
	_, ctx := projectCtx()
	f := NewFusion([]Source{
		&fakeSource{name: models.SourceKeyword, hits: []Candidate{doc("a", "x", "")}},
		&fakeSource{name: models.SourceStructured, delay: time.Second},
	}, nil, Options{SourceTimeout: 20 * time.Millisecond}, nil)

	res, err := f.Retrieve(ctx, Query{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.SourceStructured}, res.Failed)
}

func TestFusion_WhitelistRestrictsSources(t *testing.T) {
	_, ctx := projectCtx()
	know := &fakeSource{name: models.SourceVectorKnowledge, hits: []Candidate{doc("k1", "x", "")}}
	kw := &fakeSource{name: models.SourceKeyword, hits: []Candidate{doc("k2", "x", "")}}

	f := NewFusion([]Source{know, kw}, nil, Options{}, nil)
	res, err := f.Retrieve(ctx, Query{Text: "x", Sources: []string{models.SourceKeyword}})
	require.NoError(t, err)
	assert.Equal(t, []string{models.SourceKeyword}, res.Available)
	assert.Empty(t, know.queries)

	_, err = f.Retrieve(ctx, Query{Text: "x", Sources: []string{"web"}})
	assert.ErrorIs(t, err, ErrAllSourcesUnavailable)
}

func TestFusion_ExpandQueriesEverySource(t *testing.T) {
	_, ctx := projectCtx()
	kw := &fakeSource{name: models.SourceKeyword, hits: []Candidate{doc("k1", "x", "")}}

	f := NewFusion([]Source{kw}, nil, Options{}, nil)
	res, err := f.Retrieve(ctx, Query{Text: "JWT auth error", Category: models.CategoryCode, Expand: true})
	require.NoError(t, err)
	assert.Len(t, res.Queries, 4)
	assert.ElementsMatch(t, res.Queries, kw.queries)
	require.Len(t, res.Evidence, 1)
}

func TestFusion_RerankFallback(t *testing.T) {
	_, ctx := projectCtx()
	kw := &fakeSource{name: models.SourceKeyword, hits: []Candidate{
		{DocID: "a", Text: "unrelated text", Similarity: 0.1},
		{DocID: "b", Text: "heap space exhausted", Similarity: 0.1},
	}}
	f := NewFusion([]Source{kw}, &fakeReranker{err: errors.New("connection refused")}, Options{}, nil)

	res, err := f.Retrieve(ctx, Query{Text: "heap space"})
	require.NoError(t, err)
	assert.Equal(t, "lexical", res.Reranker)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, "b", res.Evidence[0].DocID)
}

func TestFusion_RequiresProjectScope(t *testing.T) {
	f := NewFusion([]Source{&fakeSource{name: models.SourceKeyword}}, nil, Options{}, nil)
	_, err := f.Retrieve(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, tenant.ErrMissingScope)
}

type fakeSearcher struct {
	got  store.StructuredQuery
	hits []*store.AnalysisHit
}

func (s *fakeSearcher) SearchAnalyses(_ context.Context, q store.StructuredQuery) ([]*store.AnalysisHit, error) {
	s.got = q
	return s.hits, nil
}

func TestStructuredSource(t *testing.T) {
	a := &models.Analysis{ID: uuid.New(), ErrorCategory: models.CategoryInfra, RootCause: "heap too small", Recommendation: "raise -Xmx"}
	b := &models.Analysis{ID: uuid.New(), ErrorCategory: models.CategoryInfra, RootCause: "gc thrash", Recommendation: "tune gc"}
	searcher := &fakeSearcher{hits: []*store.AnalysisHit{{Analysis: a, Rank: 0.4}, {Analysis: b, Rank: 0.1}}}

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := NewStructuredSource(searcher, 24*time.Hour)
	src.now = func() time.Time { return now }

	got, err := src.Search(context.Background(), SourceQuery{Text: "heap", Category: models.CategoryInfra, K: 10})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryInfra, searcher.got.Category)
	assert.Equal(t, now.Add(-24*time.Hour), searcher.got.Since)
	assert.Equal(t, 10, searcher.got.Limit)

	require.Len(t, got, 2)
	assert.Equal(t, AnalysisDocID(a.ID), got[0].DocID)
	assert.Equal(t, 1.0, got[0].Similarity)
	assert.InDelta(t, 0.25, got[1].Similarity, 1e-9)
	assert.Equal(t, "heap too small\nraise -Xmx", got[0].Text)

	_, err = src.Search(context.Background(), SourceQuery{Text: "heap", Category: models.CategoryUnknown, K: 10})
	require.NoError(t, err)
	assert.Empty(t, searcher.got.Category)
}
