package models

import (
	"time"

	"github.com/google/uuid"
)

// Failure statuses.
const (
	FailureUnanalyzed = "unanalyzed"
	FailureAnalyzing  = "analyzing"
	FailureAnalyzed   = "analyzed"
	FailureHITL       = "hitl"
	FailureAccepted   = "accepted"
	FailureRejected   = "rejected"
)

// Failure is one observed test-failure event. (ProjectID, JobName, BuildID, TestName) is unique;
// repeated ingestion merges into the same row and increments OccurrenceCount.
type Failure struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	ProjectID       uuid.UUID `db:"project_id"       json:"project_id"`
	JobName         string    `db:"job_name"         json:"job_name"`
	BuildID         string    `db:"build_id"         json:"build_id"`
	TestName        string    `db:"test_name"        json:"test_name"`
	ErrorMessage    string    `db:"error_message"    json:"error_message"`
	StackTrace      string    `db:"stack_trace"      json:"stack_trace"`
	ErrorLog        string    `db:"error_log"        json:"error_log"`
	Status          string    `db:"status"           json:"status"`
	FirstSeen       time.Time `db:"first_seen"       json:"first_seen"`
	LastSeen        time.Time `db:"last_seen"        json:"last_seen"`
	OccurrenceCount int       `db:"occurrence_count" json:"occurrence_count"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"       json:"updated_at"`
}

// FailureEvent is the payload external CI listeners post to the ingestion API.
type FailureEvent struct {
	JobName      string     `json:"job_name"`
	BuildID      string     `json:"build_id"`
	TestName     string     `json:"test_name"`
	ErrorMessage string     `json:"error_message"`
	StackTrace   string     `json:"stack_trace,omitempty"`
	ErrorLog     string     `json:"error_log,omitempty"`
	ObservedAt   *time.Time `json:"observed_at,omitempty"`
}
