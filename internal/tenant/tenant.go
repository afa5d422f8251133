// Package tenant carries the current project scope through a request context.
// Lookups fail closed: a context without a scope is an error, never an unscoped read.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMissingScope is returned when no scope was attached to the context.
	ErrMissingScope = errors.New("tenant scope missing from context")

	// ErrAdminScope is returned when a project-bound operation runs under the admin scope.
	ErrAdminScope = errors.New("operation requires a project scope")

	// ErrMismatch is returned when a caller bound to one project addresses another.
	ErrMismatch = errors.New("project is outside the caller's scope")
)

type scopeKey struct{}

// Scope is either a single project or the system-admin scope (nil project).
type Scope struct {
	projectID uuid.UUID
	admin     bool
}

// Project returns a scope bound to one project.
func Project(id uuid.UUID) Scope { return Scope{projectID: id} }

// Admin returns the system-admin scope, which sees every project.
func Admin() Scope { return Scope{admin: true} }

// IsAdmin reports whether s is the system-admin scope.
func (s Scope) IsAdmin() bool { return s.admin }

// ProjectID returns the bound project, or ErrAdminScope for the admin scope.
func (s Scope) ProjectID() (uuid.UUID, error) {
	if s.admin {
		return uuid.Nil, ErrAdminScope
	}
	return s.projectID, nil
}

// SessionValue is the value stored in app.current_project_id. The admin scope maps to the empty string.
func (s Scope) SessionValue() string {
	if s.admin {
		return ""
	}
	return s.projectID.String()
}

func (s Scope) String() string {
	if s.admin {
		return "admin"
	}
	return s.projectID.String()
}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithProject is shorthand for WithScope(ctx, Project(id)).
func WithProject(ctx context.Context, id uuid.UUID) context.Context {
	return WithScope(ctx, Project(id))
}

// WithAdmin is shorthand for WithScope(ctx, Admin()).
func WithAdmin(ctx context.Context) context.Context {
	return WithScope(ctx, Admin())
}

// FromContext returns the scope attached to ctx or ErrMissingScope.
func FromContext(ctx context.Context) (Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok || (!s.admin && s.projectID == uuid.Nil) {
		return Scope{}, ErrMissingScope
	}
	return s, nil
}

// ProjectFromContext returns the bound project of the scope in ctx.
func ProjectFromContext(ctx context.Context) (uuid.UUID, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return s.ProjectID()
}

// Namespace returns the per-project vector namespace for a logical collection, e.g. "<project>_errors".
func Namespace(projectID uuid.UUID, collection string) string {
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(projectID.String(), "-", ""), collection)
}
