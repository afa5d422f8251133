// Package retrieval fans a query out to every allowed evidence source in parallel, fuses the ranked
// lists with Reciprocal Rank Fusion and re-ranks the head of the fused list.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/rerank"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// ErrAllSourcesUnavailable is returned, as a fatal error, when no allowed source answered.
var ErrAllSourcesUnavailable = errors.New("all retrieval sources unavailable")

// Options sizes each stage of the pipeline.
type Options struct {
	KSource       int
	KRerank       int
	KFinal        int
	RRFConstant   int
	SourceTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.KSource <= 0 {
		o.KSource = 50
	}
	if o.KRerank <= 0 {
		o.KRerank = 50
	}
	if o.KFinal <= 0 {
		o.KFinal = 5
	}
	if o.RRFConstant <= 0 {
		o.RRFConstant = DefaultRRFConstant
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 10 * time.Second
	}
	return o
}

// Query is one retrieval request. Sources restricts the sources consulted; empty means all.
type Query struct {
	Text     string
	Category models.Category
	Sources  []string
	Expand   bool
}

// Result is the ranked evidence plus what happened while producing it.
type Result struct {
	Evidence  []models.RetrievalResult
	Queries   []string
	Available []string
	Failed    []string
	Warnings  []string
	Reranker  string
}

// Degraded reports whether at least one source failed.
func (r *Result) Degraded() bool { return len(r.Failed) > 0 }

// Fusion is the multi-source retriever. It is safe for concurrent use.
type Fusion struct {
	sources  map[string]Source
	reranker rerank.Reranker
	fallback rerank.Reranker
	expander *Expander
	opts     Options
	logger   *slog.Logger
}

// NewFusion wires the sources. A nil reranker selects the lexical reranker.
func NewFusion(sources []Source, reranker rerank.Reranker, opts Options, logger *slog.Logger) *Fusion {
	if logger == nil {
		logger = slog.Default()
	}
	fallback := rerank.NewLexical()
	if reranker == nil {
		reranker = fallback
	}
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name()] = s
	}
	return &Fusion{
		sources:  m,
		reranker: reranker,
		fallback: fallback,
		expander: NewExpander(),
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// SourceNames lists the configured sources in canonical order.
func (f *Fusion) SourceNames() []string {
	var out []string
	for _, name := range models.AllSources {
		if _, ok := f.sources[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Expander returns the paraphrase generator used for expanded queries.
func (f *Fusion) Expander() *Expander { return f.expander }

func (f *Fusion) selected(whitelist []string) []string {
	if len(whitelist) == 0 {
		return f.SourceNames()
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, s := range whitelist {
		allowed[s] = true
	}
	var out []string
	for _, name := range f.SourceNames() {
		if allowed[name] {
			out = append(out, name)
		}
	}
	return out
}

type sourceCall struct {
	source string
	query  int
	hits   []Candidate
	err    error
}

func (f *Fusion) Retrieve(ctx context.Context, q Query) (*Result, error) {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return nil, err
	}
	names := f.selected(q.Sources)
	if len(names) == 0 {
		return nil, apperr.Fatal("retrieval", fmt.Errorf("%w: no source allowed", ErrAllSourcesUnavailable))
	}

	queries := []string{q.Text}
	if q.Expand {
		queries = append(queries, f.expander.Expand(q.Text, q.Category)...)
	}

	var (
		mu    sync.Mutex
		calls []sourceCall
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		src := f.sources[name]
		for qi, text := range queries {
			g.Go(func() error {
				sctx, cancel := context.WithTimeout(gctx, f.opts.SourceTimeout)
				defer cancel()
				hits, err := src.Search(sctx, SourceQuery{Text: text, Category: q.Category, K: f.opts.KSource})

				mu.Lock()
				calls = append(calls, sourceCall{source: src.Name(), query: qi, hits: hits, err: err})
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindDeadline, "retrieval", err)
	}

	res := &Result{Queries: queries}
	perSource := make(map[string]map[string][]Candidate)
	failures := make(map[string]error)
	for _, c := range calls {
		if c.err != nil {
			if _, ok := failures[c.source]; !ok {
				failures[c.source] = c.err
			}
			continue
		}
		if perSource[c.source] == nil {
			perSource[c.source] = make(map[string][]Candidate)
		}
		perSource[c.source][fmt.Sprintf("q%d", c.query)] = c.hits
	}

	lists := make(map[string][]Candidate)
	for _, name := range names {
		byQuery, ok := perSource[name]
		if !ok {
			err := failures[name]
			f.logger.Warn("retrieval source unavailable", "source", name, "project_id", projectID, "error", err)
			metrics.RecordSourceError(name)
			res.Failed = append(res.Failed, name)
			res.Warnings = append(res.Warnings, fmt.Sprintf("degraded: source %s unavailable", name))
			continue
		}
		res.Available = append(res.Available, name)
		lists[name] = fuseQueries(byQuery, f.opts.RRFConstant)
	}
	if len(res.Available) == 0 {
		errs := make([]error, 0, len(failures))
		for _, name := range names {
			errs = append(errs, fmt.Errorf("%s: %w", name, failures[name]))
		}
		return nil, apperr.Fatal("retrieval", fmt.Errorf("%w: %w", ErrAllSourcesUnavailable, errors.Join(errs...)))
	}

	fused := RRF(lists, f.opts.RRFConstant)
	if len(fused) > f.opts.KRerank {
		fused = fused[:f.opts.KRerank]
	}

	scores, rerankerName, warning := f.rerank(ctx, q.Text, fused)
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}
	res.Reranker = rerankerName

	order := make([]int, len(fused))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if len(order) > f.opts.KFinal {
		order = order[:f.opts.KFinal]
	}

	now := time.Now().UTC()
	res.Evidence = make([]models.RetrievalResult, 0, len(order))
	for _, i := range order {
		c := fused[i]
		res.Evidence = append(res.Evidence, models.RetrievalResult{
			ID:              uuid.New(),
			ProjectID:       projectID,
			Source:          c.PrimarySource,
			DocID:           c.DocID,
			Text:            c.Text,
			SimilarityScore: c.Similarity,
			RerankScore:     scores[i],
			RRFScore:        c.RRFScore,
			Metadata: models.EvidenceMetadata{
				Category:  c.Category,
				DocType:   c.DocType,
				SourceURL: c.SourceURL,
			},
			DocumentTime: c.DocumentTime,
			CreatedAt:    now,
		})
	}
	return res, nil
}

// rerank scores the fused head with the configured reranker, falling back to the lexical reranker
// when the cross-encoder fails.
func (f *Fusion) rerank(ctx context.Context, query string, fused []Fused) ([]float64, string, string) {
	if len(fused) == 0 {
		return nil, f.reranker.Name(), ""
	}
	cands := make([]rerank.Candidate, len(fused))
	for i, c := range fused {
		cands[i] = rerank.Candidate{ID: c.DocID, Text: c.Text, Similarity: c.Similarity}
	}

	scores, err := f.reranker.Rerank(ctx, query, cands)
	if err == nil && len(scores) == len(cands) {
		return scores, f.reranker.Name(), ""
	}
	f.logger.Warn("reranker failed, using lexical fallback", "reranker", f.reranker.Name(), "error", err)
	metrics.RecordRerankFallback()

	scores, _ = f.fallback.Rerank(context.WithoutCancel(ctx), query, cands)
	return scores, f.fallback.Name(), "degraded: cross-encoder unavailable, lexical rerank used"
}

// fuseQueries merges one source's lists for the original query and its paraphrases.
func fuseQueries(byQuery map[string][]Candidate, c int) []Candidate {
	if len(byQuery) == 1 {
		for _, l := range byQuery {
			return l
		}
	}
	fused := RRF(byQuery, c)
	out := make([]Candidate, len(fused))
	for i, f := range fused {
		out[i] = f.Candidate
	}
	return out
}
