package models

import (
	"time"

	"github.com/google/uuid"
)

// Category is the classified error category of a failure.
type Category string

// Known error categories. The set may be extended at runtime from the policy file.
const (
	CategoryCode       Category = "CODE_ERROR"
	CategoryInfra      Category = "INFRA_ERROR"
	CategoryConfig     Category = "CONFIG_ERROR"
	CategoryDependency Category = "DEPENDENCY_ERROR"
	CategoryTest       Category = "TEST_ERROR"
	CategoryUnknown    Category = "UNKNOWN_ERROR"
)

// Severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ValidSeverity reports whether s is one of the wire severities.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Terminal analysis statuses.
const (
	StatusPass   = "PASS"
	StatusHITL   = "HITL"
	StatusReject = "REJECT"
	StatusAbort  = "ABORT"
)

// Review states of an analysis, driven by feedback and HITL decisions.
const (
	ReviewNone       = "none"
	ReviewAccepted   = "accepted"
	ReviewRejected   = "rejected"
	ReviewSuperseded = "superseded"
)

// ComponentScores is the CRAG breakdown. Every component is in [0,1].
type ComponentScores struct {
	Relevance      float64 `json:"relevance"`
	Consistency    float64 `json:"consistency"`
	Grounding      float64 `json:"grounding"`
	Completeness   float64 `json:"completeness"`
	Classification float64 `json:"classification"`
}

// RoutingDecision records which tool classes the router allowed for a category.
type RoutingDecision struct {
	Category       Category `json:"category"`
	UseGenerator   bool     `json:"use_generator"`
	UseSourceFetch bool     `json:"use_source_fetch"`
	UseRetrieval   bool     `json:"use_retrieval"`
	UseLogs        bool     `json:"use_logs"`
	Sources        []string `json:"sources"`
}

// Action is one think/act/observe step of the ReAct loop.
type Action struct {
	Iteration int     `json:"iteration"`
	Tool      string  `json:"tool"`
	Query     string  `json:"query"`
	Results   int     `json:"results"`
	Cost      float64 `json:"cost"`
	LatencyMS int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Analysis is one synthesized answer for a failure. It is immutable except for its review state;
// a refinement creates a new Analysis whose ParentID points at the previous one.
type Analysis struct {
	ID                       uuid.UUID       `db:"id"                        json:"id"`
	ProjectID                uuid.UUID       `db:"project_id"                json:"project_id"`
	FailureID                uuid.UUID       `db:"failure_id"                json:"failure_id"`
	ParentID                 *uuid.UUID      `db:"parent_id"                 json:"parent_id,omitempty"`
	Status                   string          `db:"status"                    json:"status"`
	Review                   string          `db:"review"                    json:"review"`
	ErrorCategory            Category        `db:"error_category"            json:"error_category"`
	RootCause                string          `db:"root_cause"                json:"root_cause"`
	Recommendation           string          `db:"recommendation"            json:"recommendation"`
	Severity                 string          `db:"severity"                  json:"severity"`
	ClassificationConfidence float64         `db:"classification_confidence" json:"classification_confidence"`
	SolutionConfidence       float64         `db:"solution_confidence"       json:"solution_confidence"`
	OverallConfidence        float64         `db:"overall_confidence"        json:"overall_confidence"`
	Scores                   ComponentScores `db:"scores"                    json:"scores"`
	Concerns                 []string        `db:"concerns"                  json:"concerns"`
	EvidenceRefs             []uuid.UUID     `db:"-"                         json:"evidence_refs"`
	Iterations               int             `db:"iterations"                json:"iterations"`
	ToolsUsed                []string        `db:"tools_used"                json:"tools_used"`
	ActionsTaken             []Action        `db:"actions_taken"             json:"actions_taken"`
	Routing                  RoutingDecision `db:"routing"                   json:"routing"`
	Warnings                 []string        `db:"warnings"                  json:"warnings"`
	CacheKey                 string          `db:"cache_key"                 json:"cache_key"`
	CreatedAt                time.Time       `db:"created_at"                json:"created_at"`
}

// Refine returns a new accepted analysis carrying a reviewer's corrected root cause. The parent keeps
// its record and is marked superseded by the caller.
func (a *Analysis) Refine(corrected string) *Analysis {
	parent := a.ID
	r := *a
	r.ID = uuid.New()
	r.ParentID = &parent
	r.Status = StatusPass
	r.Review = ReviewAccepted
	r.RootCause = corrected
	r.Concerns = []string{}
	r.EvidenceRefs = nil
	r.ToolsUsed = append([]string(nil), a.ToolsUsed...)
	r.ActionsTaken = append([]Action(nil), a.ActionsTaken...)
	r.Warnings = append([]string(nil), a.Warnings...)
	r.CreatedAt = time.Time{}
	return &r
}
