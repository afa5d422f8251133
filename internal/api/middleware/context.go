package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	holderKey    contextKey = "principal_holder"
)

// principalHolder lets the request logger, which wraps authentication, see the principal.
type principalHolder struct{ p *Principal }

func withHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderKey, h)
}

// Principal is the authenticated API key behind a request.
type Principal struct {
	KeyID     uuid.UUID
	KeyPrefix string
	Name      string
	// ProjectID is nil for system keys, which may address any project.
	ProjectID *uuid.UUID
	Scopes    []string
}

// HasScope reports whether the key carries scope. The admin scope implies every other scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, models.ScopeAdmin)
}

// Actor names the key in audit entries and HITL decisions.
func (p *Principal) Actor() string {
	if p.Name != "" {
		return p.Name
	}
	return "key:" + p.KeyPrefix
}

func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	if h, ok := ctx.Value(holderKey).(*principalHolder); ok {
		h.p = p
	}
	return context.WithValue(ctx, principalKey, p)
}

func GetPrincipal(r *http.Request) (*Principal, bool) {
	p, ok := r.Context().Value(principalKey).(*Principal)
	return p, ok && p != nil
}
