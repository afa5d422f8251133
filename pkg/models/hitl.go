package models

import (
	"time"

	"github.com/google/uuid"
)

// HITL priorities, ordered high > medium > low in the queue.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// HITL item statuses.
const (
	HITLPending  = "pending"
	HITLApproved = "approved"
	HITLRejected = "rejected"
)

// HITLItem is a medium-confidence answer awaiting human review.
type HITLItem struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	ProjectID       uuid.UUID  `db:"project_id"       json:"project_id"`
	FailureID       uuid.UUID  `db:"failure_id"       json:"failure_id"`
	AnalysisID      uuid.UUID  `db:"analysis_id"      json:"analysis_id"`
	Priority        string     `db:"priority"         json:"priority"`
	Status          string     `db:"status"           json:"status"`
	Confidence      float64    `db:"confidence"       json:"confidence"`
	Concerns        []string   `db:"concerns"         json:"concerns"`
	Reviewer        *string    `db:"reviewer"         json:"reviewer,omitempty"`
	Notes           *string    `db:"notes"            json:"notes,omitempty"`
	CorrectedAnswer *string    `db:"corrected_answer" json:"corrected_answer,omitempty"`
	SLADeadline     time.Time  `db:"sla_deadline"     json:"sla_deadline"`
	DecidedAt       *time.Time `db:"decided_at"       json:"decided_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
}
