package react

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/crag"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/internal/tools"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// state is the working memory of one run. It is owned by a single goroutine.
type state struct {
	input     Input
	projectID uuid.UUID

	category  models.Category
	classConf float64
	decision  routing.Decision
	query     string
	entities  []string
	selection *tools.SelectionState

	evidence    map[string]models.RetrievalResult
	snippets    []models.SourceSnippet
	snippetKeys map[string]bool

	actions   []models.Action
	toolsUsed []string
	used      map[string]bool
	warnings  []string
	warned    map[string]bool

	iterations int
	retries    int
	solution   float64
	correction int

	candidate    *candidate
	verification *crag.Result
}

type candidate struct {
	answer Answer
	cited  []models.RetrievalResult
}

func (st *state) warn(w string) {
	if w == "" || st.warned[w] {
		return
	}
	if st.warned == nil {
		st.warned = make(map[string]bool)
	}
	st.warned[w] = true
	st.warnings = append(st.warnings, w)
}

func (st *state) markUsed(tool string) {
	if st.used[tool] {
		return
	}
	if st.used == nil {
		st.used = make(map[string]bool)
	}
	st.used[tool] = true
	st.toolsUsed = append(st.toolsUsed, tool)
}

func (st *state) hasMaterial() bool {
	return len(st.evidence) > 0 || len(st.snippets) > 0
}

// observe merges an observation into the state and returns how many new items it contributed.
// Evidence is keyed by document; a later sighting with a higher rerank score replaces the earlier one.
func (st *state) observe(obs *tools.Observation) int {
	if obs == nil {
		return 0
	}
	if st.evidence == nil {
		st.evidence = make(map[string]models.RetrievalResult)
	}
	if st.snippetKeys == nil {
		st.snippetKeys = make(map[string]bool)
	}
	fresh := 0
	for _, e := range obs.Evidence {
		prev, seen := st.evidence[e.DocID]
		if !seen {
			fresh++
		}
		if !seen || e.RerankScore > prev.RerankScore {
			st.evidence[e.DocID] = e
		}
	}
	for _, s := range obs.Snippets {
		key := s.Kind + ":" + s.Path
		if st.snippetKeys[key] {
			continue
		}
		st.snippetKeys[key] = true
		st.snippets = append(st.snippets, s)
		fresh++
	}
	for _, w := range obs.Warnings {
		st.warn(w)
	}
	st.updateConfidence()
	return fresh
}

// ranked returns all evidence, best first.
func (st *state) ranked() []models.RetrievalResult {
	out := make([]models.RetrievalResult, 0, len(st.evidence))
	for _, e := range st.evidence {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		return a.DocID < b.DocID
	})
	return out
}

// updateConfidence recomputes the solution confidence from the evidence so far. It blends the
// weakest rerank score of the top three, agreement of the top five with the classified category,
// and how many of the failure's entities the material mentions. It never decreases.
func (st *state) updateConfidence() {
	ev := st.ranked()
	if len(ev) == 0 && len(st.snippets) == 0 {
		return
	}

	floor := 0.0
	if len(ev) > 0 {
		floor = 1.0
		for _, e := range ev[:min(3, len(ev))] {
			floor = math.Min(floor, clamp01(e.RerankScore))
		}
	}

	agreeing := 0
	for _, e := range ev[:min(5, len(ev))] {
		if e.Metadata.Category == st.category {
			agreeing++
		}
	}
	agreement := math.Min(1, float64(agreeing)/3)

	overlap := agreement
	if len(st.entities) > 0 {
		var b strings.Builder
		for _, e := range ev {
			b.WriteString(e.Text)
			b.WriteByte('\n')
		}
		for _, s := range st.snippets {
			b.WriteString(s.Content)
			b.WriteByte('\n')
		}
		material := strings.ToLower(b.String())
		found := 0
		for _, ent := range st.entities {
			if strings.Contains(material, strings.ToLower(ent)) {
				found++
			}
		}
		overlap = float64(found) / float64(len(st.entities))
	}

	c := 0.5*floor + 0.3*agreement + 0.2*overlap
	c = math.Round(c*1e6) / 1e6
	if c > st.solution {
		st.solution = c
	}
	st.selection.SolutionConfidence = st.solution
}

func (st *state) snippetTexts() []string {
	out := make([]string, len(st.snippets))
	for i, s := range st.snippets {
		out[i] = s.Content
	}
	return out
}

func (st *state) fetched(path string) bool {
	for _, s := range st.snippets {
		if s.Path == path {
			return true
		}
	}
	return false
}

func (st *state) toolInput(query string) tools.Input {
	in := st.selection.Input
	in.Query = query
	return in
}

func (st *state) report() Report {
	r := Report{
		Category:                 st.category,
		ClassificationConfidence: st.classConf,
		Routing:                  st.decision.Record(),
		SolutionConfidence:       st.solution,
		Snippets:                 st.snippets,
		Actions:                  st.actions,
		ToolsUsed:                st.toolsUsed,
		Iterations:               st.iterations,
		Warnings:                 st.warnings,
	}
	if r.ToolsUsed == nil {
		r.ToolsUsed = []string{}
	}
	if r.Actions == nil {
		r.Actions = []models.Action{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if st.candidate != nil {
		r.Answer = st.candidate.answer
		r.Evidence = st.candidate.cited
	}
	if st.verification != nil {
		r.Scores = st.verification.Scores
		r.OverallConfidence = st.verification.Overall
	}
	return r
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
