package react

import (
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Answer is a synthesized root cause and fix.
type Answer struct {
	RootCause      string
	Recommendation string
	Severity       string
	Generated      bool
}

// Report is what every outcome carries: the answer, how it was verified and how it was reached.
type Report struct {
	Category                 models.Category
	ClassificationConfidence float64
	Routing                  models.RoutingDecision
	Answer                   Answer
	SolutionConfidence       float64
	Scores                   models.ComponentScores
	OverallConfidence        float64
	Evidence                 []models.RetrievalResult
	Snippets                 []models.SourceSnippet
	Actions                  []models.Action
	ToolsUsed                []string
	Iterations               int
	Warnings                 []string
}

// Details returns the shared report of an outcome.
func (r *Report) Details() *Report { return r }

// Outcome is one of *PassResult, *HitlResult, *RejectResult or *AbortResult.
type Outcome interface {
	Status() string
	Details() *Report
}

// PassResult is a verified answer.
type PassResult struct {
	Report
}

// HitlResult is a best-effort answer that needs human review.
type HitlResult struct {
	Report
	Priority string
	Concerns []string
	// Reason is "verification" for the medium band or "deadline" when the analysis ran out of time.
	Reason string
}

// RejectResult is returned when no correction lifted the answer out of the lowest band.
type RejectResult struct {
	Report
	Concerns []string
}

// AbortResult is returned on a fatal error or when the deadline passed with no candidate.
type AbortResult struct {
	Report
	Err error
}

func (*PassResult) Status() string   { return models.StatusPass }
func (*HitlResult) Status() string   { return models.StatusHITL }
func (*RejectResult) Status() string { return models.StatusReject }
func (*AbortResult) Status() string  { return models.StatusAbort }
