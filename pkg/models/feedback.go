package models

import (
	"time"

	"github.com/google/uuid"
)

// Feedback verdicts.
const (
	VerdictAccept = "accept"
	VerdictReject = "reject"
	VerdictRefine = "refine"
)

// Feedback is a user verdict on an Analysis. A refine record carries a correction or a new query hint.
type Feedback struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	ProjectID         uuid.UUID  `db:"project_id"          json:"project_id"`
	AnalysisID        uuid.UUID  `db:"analysis_id"         json:"analysis_id"`
	Verdict           string     `db:"verdict"             json:"verdict"`
	Note              *string    `db:"note"                json:"note,omitempty"`
	Corrected         *string    `db:"corrected"           json:"corrected,omitempty"`
	RefinedAnalysisID *uuid.UUID `db:"refined_analysis_id" json:"refined_analysis_id,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	ProjectID *uuid.UUID `db:"project_id" json:"project_id,omitempty"`
	Actor     string     `db:"actor"      json:"actor"`
	Action    string     `db:"action"     json:"action"`
	Subject   string     `db:"subject"    json:"subject"`
	Detail    string     `db:"detail"     json:"detail"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
