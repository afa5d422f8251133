package react

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/internal/tools"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Corrective steps, tried in this order.
const (
	stepExpand = iota
	stepSourceFetch
	stepWeb
	stepCount
)

const (
	toolWeb = "web.search"
	webCost = 2
)

// correct runs the next corrective step that yields new material. It reports false when every
// remaining step is inapplicable or came back empty, or the absolute iteration cap is reached.
func (l *Loop) correct(ctx context.Context, st *state) (bool, error) {
	for st.correction < stepCount {
		if st.iterations >= config.MaxIterationCap {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, apperr.Wrap(apperr.KindDeadline, "react.correct", err)
		}
		step := st.correction
		st.correction++

		var (
			obs *tools.Observation
			ran bool
			err error
		)
		switch step {
		case stepExpand:
			obs, ran, err = l.correctExpand(ctx, st)
		case stepSourceFetch:
			obs, ran, err = l.correctSourceFetch(ctx, st)
		case stepWeb:
			obs, ran, err = l.correctWeb(ctx, st)
		}
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindFatal, apperr.KindDeadline:
				return false, err
			}
			continue
		}
		if ran && st.observe(obs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// correctExpand re-runs retrieval over every allowed source with query paraphrases.
func (l *Loop) correctExpand(ctx context.Context, st *state) (*tools.Observation, bool, error) {
	if !st.decision.UseRetrieval {
		return nil, false, nil
	}
	var batch []tools.Tool
	for _, name := range l.registry.Names() {
		if routing.ClassOf(name) != routing.ClassRetrieval {
			continue
		}
		t, err := l.registry.Get(name)
		if err != nil {
			continue
		}
		rt, ok := t.(*tools.RetrievalTool)
		if !ok || !st.decision.AllowsSource(rt.Source()) {
			continue
		}
		if err := l.policy.Validate(st.decision, name); err != nil {
			return nil, false, err
		}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return nil, false, nil
	}

	in := st.toolInput(st.query)
	in.Expand = true
	st.iterations++
	obs, err := l.act(ctx, st, tools.Selection{Class: routing.ClassRetrieval, Tools: batch}, in)
	return obs, true, err
}

// correctSourceFetch reads the files the answer names, or searches the repository for its most
// specific identifier. Only decisions that allow source fetching reach it.
func (l *Loop) correctSourceFetch(ctx context.Context, st *state) (*tools.Observation, bool, error) {
	if !st.decision.UseSourceFetch || st.candidate == nil {
		return nil, false, nil
	}
	answer := st.candidate.answer.RootCause + "\n" + st.candidate.answer.Recommendation

	in := st.toolInput(st.query)
	var files []tools.Location
	for _, loc := range tools.FindLocations(answer) {
		if !st.fetched(loc.Path) {
			files = append(files, loc)
		}
	}
	name := "source_fetch.search"
	if len(files) > 0 {
		name = "source_fetch.get_file"
		in.Files = files
	} else {
		in.Entities = normalize.ExtractEntities(answer)
		if len(in.Entities) == 0 {
			return nil, false, nil
		}
	}

	t, err := l.registry.Get(name)
	if err != nil || !t.Applicable(in) {
		return nil, false, nil
	}
	if err := l.policy.Validate(st.decision, name); err != nil {
		return nil, false, err
	}
	st.iterations++
	obs, err := l.act(ctx, st, tools.Selection{Class: routing.ClassSourceFetch, Tools: []tools.Tool{t}}, in)
	return obs, true, err
}

// correctWeb searches the web and turns the results into evidence ranked by term overlap.
func (l *Loop) correctWeb(ctx context.Context, st *state) (*tools.Observation, bool, error) {
	if l.web == nil || !l.web.Available() {
		return nil, false, nil
	}
	st.iterations++

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()
	started := l.now()
	results, err := l.web.Search(callCtx, st.query, l.cfg.KFinal)
	elapsed := l.now().Sub(started)
	if err != nil && ctx.Err() == nil && apperr.KindOf(err) == apperr.KindDeadline {
		err = apperr.Transient("react.web", fmt.Errorf("web search timed out: %w", err))
	}

	a := models.Action{
		Iteration: st.iterations,
		Tool:      toolWeb,
		Query:     st.query,
		Results:   len(results),
		Cost:      webCost,
		LatencyMS: elapsed.Milliseconds(),
	}
	if err != nil {
		a.Error = actionError(err)
	} else {
		st.markUsed(toolWeb)
	}
	st.actions = append(st.actions, a)
	l.recordTool(toolWeb, err, elapsed)
	if err != nil {
		return nil, true, err
	}

	now := l.now().UTC()
	terms := queryTerms(st.query)
	obs := &tools.Observation{}
	for i, r := range results {
		text := strings.TrimSpace(r.Title + ": " + r.Snippet)
		obs.Evidence = append(obs.Evidence, models.RetrievalResult{
			ID:              uuid.New(),
			ProjectID:       st.projectID,
			Source:          models.SourceWeb,
			DocID:           "web:" + r.URL,
			Text:            text,
			SimilarityScore: 1 - float64(i)/float64(len(results)),
			RerankScore:     termOverlap(terms, text),
			Metadata: models.EvidenceMetadata{
				DocType:   "web",
				SourceURL: r.URL,
			},
			CreatedAt:    now,
		})
	}
	return obs, true, nil
}

func queryTerms(q string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// termOverlap is the fraction of query terms that occur in text.
func termOverlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
