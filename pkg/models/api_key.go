package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// API key scopes.
const (
	ScopeAnalyze = "analyze"
	ScopeIngest  = "ingest"
	ScopeReview  = "review"
	ScopeAdmin   = "admin"
)

// Scopes lists every scope a key may carry.
var Scopes = []string{ScopeAnalyze, ScopeIngest, ScopeReview, ScopeAdmin}

func ValidScope(s string) bool { return slices.Contains(Scopes, s) }

// APIKey authenticates a principal. Raw keys are shown once at creation; only the bcrypt hash is stored.
// A nil ProjectID marks a system key that may address any project (requires the admin scope).
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	ProjectID  *uuid.UUID `db:"project_id"   json:"project_id,omitempty"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
