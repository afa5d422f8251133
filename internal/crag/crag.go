// Package crag scores a candidate answer against its evidence and routes it to PASS, HITL or
// corrective retrieval.
package crag

import (
	"math"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Verdict is the band an overall confidence falls into.
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictHITL    Verdict = "HITL"
	VerdictCorrect Verdict = "CORRECT"
)

// Component names, in the order concerns are reported.
const (
	ComponentRelevance      = "relevance"
	ComponentConsistency    = "consistency"
	ComponentGrounding      = "grounding"
	ComponentCompleteness   = "completeness"
	ComponentClassification = "classification"
)

// Minimum lengths for the completeness check.
const (
	minRootCause      = 20
	minRecommendation = 30
)

var reTerm = regexp.MustCompile(`\b\w{4,}\b`)

// Candidate is an answer plus the evidence it cites.
type Candidate struct {
	Category                 models.Category
	ClassificationConfidence float64
	RootCause                string
	Recommendation           string
	Severity                 string
	Evidence                 []models.RetrievalResult
	// Context is extra grounding text that is not a retrieval result, such as fetched source code.
	Context []string
}

// Result is the outcome of one verification.
type Result struct {
	Scores   models.ComponentScores
	Overall  float64
	Verdict  Verdict
	Concerns []string
	Priority string
}

// Verifier computes CRAG scores with configurable weights and bands. It holds no mutable state.
type Verifier struct {
	weights config.Weights
	pass    float64
	hitl    float64
	floor   float64
}

// NewVerifier creates a verifier. Zero values in cfg fall back to the defaults.
func NewVerifier(cfg config.CRAGConfig) *Verifier {
	v := &Verifier{
		weights: cfg.Weights,
		pass:    cfg.PassThreshold,
		hitl:    cfg.HITLThreshold,
		floor:   cfg.ConcernFloor,
	}
	if v.weights.Sum() == 0 {
		v.weights = config.DefaultWeights
	}
	if v.pass == 0 {
		v.pass = 0.85
	}
	if v.hitl == 0 {
		v.hitl = 0.65
	}
	if v.floor == 0 {
		v.floor = 0.70
	}
	return v
}

// Verify scores c and decides its band.
func (v *Verifier) Verify(c Candidate) Result {
	s := v.Score(c)
	overall := v.Overall(s)
	verdict := v.Decide(overall)
	r := Result{Scores: s, Overall: overall, Verdict: verdict, Concerns: v.Concerns(s)}
	if verdict == VerdictHITL {
		r.Priority = Priority(c.Severity)
	}
	return r
}

// Score computes the five components of c.
func (v *Verifier) Score(c Candidate) models.ComponentScores {
	return models.ComponentScores{
		Relevance:      relevance(c.Evidence),
		Consistency:    consistency(c.Evidence, c.Category),
		Grounding:      grounding(c),
		Completeness:   completeness(c),
		Classification: clamp01(c.ClassificationConfidence),
	}
}

// Overall is the weighted sum of s, rounded to six decimals so band edges are stable.
func (v *Verifier) Overall(s models.ComponentScores) float64 {
	w := v.weights
	sum := w.Relevance*s.Relevance +
		w.Consistency*s.Consistency +
		w.Grounding*s.Grounding +
		w.Completeness*s.Completeness +
		w.Classification*s.Classification
	return math.Round(clamp01(sum)*1e6) / 1e6
}

// Decide maps an overall confidence to its band.
func (v *Verifier) Decide(overall float64) Verdict {
	switch {
	case overall >= v.pass:
		return VerdictPass
	case overall >= v.hitl:
		return VerdictHITL
	default:
		return VerdictCorrect
	}
}

// Concerns lists the components scoring below the concern floor.
func (v *Verifier) Concerns(s models.ComponentScores) []string {
	concerns := []string{}
	for _, c := range []struct {
		name  string
		score float64
	}{
		{ComponentRelevance, s.Relevance},
		{ComponentConsistency, s.Consistency},
		{ComponentGrounding, s.Grounding},
		{ComponentCompleteness, s.Completeness},
		{ComponentClassification, s.Classification},
	} {
		if c.score < v.floor {
			concerns = append(concerns, c.name)
		}
	}
	return concerns
}

// Thresholds returns the PASS and HITL band edges.
func (v *Verifier) Thresholds() (pass, hitl float64) { return v.pass, v.hitl }

// Priority is medium unless the severity indicates production impact.
func Priority(severity string) string {
	if severity == models.SeverityCritical {
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

func relevance(evidence []models.RetrievalResult) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var sum float64
	for _, e := range evidence {
		sum += clamp01(e.RerankScore)
	}
	return sum / float64(len(evidence))
}

func consistency(evidence []models.RetrievalResult, category models.Category) float64 {
	if len(evidence) == 0 {
		return 0
	}
	matches := 0
	for _, e := range evidence {
		if e.Metadata.Category == category {
			matches++
		}
	}
	return float64(matches) / float64(len(evidence))
}

// grounding is the fraction of answer entities found in the cited text. Answers without
// identifiers fall back to the fraction of their content terms found there.
func grounding(c Candidate) float64 {
	answer := c.RootCause + "\n" + c.Recommendation
	if strings.TrimSpace(answer) == "" {
		return 0
	}
	var b strings.Builder
	for _, e := range c.Evidence {
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	for _, s := range c.Context {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	cited := b.String()
	if strings.TrimSpace(cited) == "" {
		return 0
	}

	if entities := normalize.ExtractEntities(answer); len(entities) > 0 {
		found := 0
		for _, e := range entities {
			if strings.Contains(cited, e) {
				found++
			}
		}
		return float64(found) / float64(len(entities))
	}

	lowered := strings.ToLower(cited)
	terms := uniqueTerms(answer)
	if len(terms) == 0 {
		return 0
	}
	found := 0
	for _, t := range terms {
		if strings.Contains(lowered, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

func completeness(c Candidate) float64 {
	present := 0
	if len(strings.TrimSpace(c.RootCause)) >= minRootCause {
		present++
	}
	if len(strings.TrimSpace(c.Recommendation)) >= minRecommendation {
		present++
	}
	if models.ValidSeverity(c.Severity) {
		present++
	}
	return float64(present) / 3
}

func uniqueTerms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range reTerm.FindAllString(strings.ToLower(text), -1) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
