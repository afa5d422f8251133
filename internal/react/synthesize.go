package react

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/ai"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/crag"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	toolGenerator = "generator.synthesize"
	generatorCost = 10

	maxExtractRootCause      = 500
	maxExtractRecommendation = 1500
)

// Warnings attached when the answer is not generated.
const (
	warnGeneratorUnavailable = "degraded: generator unavailable, extractive answer used"
	warnGeneratorFailed      = "degraded: generator failed, extractive answer used"
)

// synthesize builds a candidate from the evidence so far. The generator is used only when the
// routing decision allows it; any generator failure short of fatal falls back to extraction.
func (l *Loop) synthesize(ctx context.Context, st *state) (*candidate, error) {
	cited := st.ranked()
	if len(cited) > l.cfg.KFinal {
		cited = cited[:l.cfg.KFinal]
	}

	if st.decision.UseGenerator {
		if l.generator == nil || !l.generator.Available() {
			st.warn(warnGeneratorUnavailable)
		} else {
			cand, err := l.generate(ctx, st, cited)
			if err == nil {
				return cand, nil
			}
			switch apperr.KindOf(err) {
			case apperr.KindFatal:
				return nil, err
			case apperr.KindDeadline:
				if ctx.Err() != nil {
					return nil, err
				}
			}
			st.warn(warnGeneratorFailed)
		}
	}
	cand := extract(st.category, st.input.Failure, cited)
	return &cand, nil
}

func (l *Loop) generate(ctx context.Context, st *state, cited []models.RetrievalResult) (*candidate, error) {
	if err := l.policy.Validate(st.decision, toolGenerator); err != nil {
		return nil, err
	}
	st.iterations++
	started := l.now()
	ans, err := l.generator.Generate(ctx, ai.GenerateRequest{
		Failure:  st.input.Failure,
		Category: st.category,
		Evidence: cited,
		Sources:  st.snippets,
		Hint:     st.input.Hint,
	})
	a := models.Action{
		Iteration: st.iterations,
		Tool:      toolGenerator,
		Query:     st.query,
		Cost:      generatorCost,
		LatencyMS: l.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		a.Error = actionError(err)
	} else {
		a.Results = 1
		st.markUsed(toolGenerator)
	}
	st.actions = append(st.actions, a)
	l.recordTool(toolGenerator, err, l.now().Sub(started))
	if err != nil {
		return nil, err
	}

	severity := strings.ToLower(strings.TrimSpace(ans.Severity))
	if !models.ValidSeverity(severity) {
		severity = defaultSeverity(st.category, ans.RootCause)
	}
	return &candidate{
		answer: Answer{
			RootCause:      strings.TrimSpace(ans.RootCause),
			Recommendation: strings.TrimSpace(ans.Recommendation),
			Severity:       severity,
			Generated:      true,
		},
		cited: cited,
	}, nil
}

// extract builds an answer from the best evidence without a model. Evidence agreeing with the
// classified category is preferred; the answer cites only what it used.
func extract(category models.Category, f *models.Failure, ranked []models.RetrievalResult) candidate {
	if len(ranked) == 0 {
		return candidate{answer: Answer{Severity: defaultSeverity(category, "")}}
	}

	primary := 0
	for i, e := range ranked {
		if e.Metadata.Category == category {
			primary = i
			break
		}
	}
	used := []models.RetrievalResult{ranked[primary]}
	rootCause, recommendation := splitAnswer(ranked[primary].Text)

	if len(recommendation) < 30 {
		for i, e := range ranked {
			if i == primary || (e.Metadata.Category != "" && e.Metadata.Category != category) {
				continue
			}
			_, more := splitAnswer(e.Text)
			if more == "" {
				more = firstSentence(e.Text)
			}
			recommendation = strings.TrimSpace(recommendation + " " + more)
			used = append(used, e)
			break
		}
	}
	if rootCause == "" && f != nil {
		rootCause = firstLine(f.ErrorMessage)
	}

	return candidate{
		answer: Answer{
			RootCause:      normalize.TruncateString(rootCause, maxExtractRootCause),
			Recommendation: normalize.TruncateString(recommendation, maxExtractRecommendation),
			Severity:       defaultSeverity(category, ranked[primary].Text),
		},
		cited: used,
	}
}

// splitAnswer splits evidence text into a root cause and a recommendation. Indexed analyses keep
// them on separate lines; free text is split after its first sentence.
func splitAnswer(text string) (string, string) {
	text = strings.TrimSpace(text)
	if head, rest, ok := strings.Cut(text, "\n"); ok {
		return strings.TrimSpace(head), strings.TrimSpace(rest)
	}
	first := firstSentence(text)
	return first, strings.TrimSpace(strings.TrimPrefix(text, first))
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i := 0; i < len(text)-1; i++ {
		if (text[i] == '.' || text[i] == '!' || text[i] == '?') && text[i+1] == ' ' {
			return text[:i+1]
		}
	}
	return text
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

// defaultSeverity infers severity when the answer carries none.
func defaultSeverity(category models.Category, text string) string {
	lower := strings.ToLower(text)
	for _, marker := range []string{"production", "data loss", "security"} {
		if strings.Contains(lower, marker) {
			return models.SeverityCritical
		}
	}
	switch category {
	case models.CategoryCode, models.CategoryInfra:
		return models.SeverityHigh
	case models.CategoryTest:
		return models.SeverityLow
	}
	return models.SeverityMedium
}

func (l *Loop) verify(st *state, c *candidate) crag.Result {
	res := l.verifier.Verify(crag.Candidate{
		Category:                 st.category,
		ClassificationConfidence: st.classConf,
		RootCause:                c.answer.RootCause,
		Recommendation:           c.answer.Recommendation,
		Severity:                 c.answer.Severity,
		Evidence:                 c.cited,
		Context:                  st.snippetTexts(),
	})
	st.candidate = c
	st.verification = &res
	return res
}

// insufficient replaces the answer of a rejected run.
func insufficient(st *state, concerns []string) Answer {
	subject := firstLine(st.input.Failure.ErrorMessage)
	if subject == "" {
		subject = st.input.Failure.TestName
	}
	weak := "none"
	if len(concerns) > 0 {
		weak = strings.Join(concerns, ", ")
	}
	severity := models.SeverityMedium
	if st.candidate != nil && st.candidate.answer.Severity != "" {
		severity = st.candidate.answer.Severity
	}
	return Answer{
		RootCause: fmt.Sprintf("Insufficient evidence to determine the root cause of %q.",
			normalize.TruncateString(subject, 200)),
		Recommendation: fmt.Sprintf("Investigate manually. Verification stayed below threshold; weak components: %s.", weak),
		Severity:       severity,
	}
}
