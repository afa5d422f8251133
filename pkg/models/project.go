// Package models contains shared data models used across the Faultline codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is the tenant boundary. Every other entity belongs to a project.
type Project struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	Name          string    `db:"name"           json:"name"`
	LokiOrgID     string    `db:"loki_org_id"    json:"loki_org_id"`
	RepoOwner     string    `db:"repo_owner"     json:"repo_owner"`
	RepoName      string    `db:"repo_name"      json:"repo_name"`
	DefaultBranch string    `db:"default_branch" json:"default_branch"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}
