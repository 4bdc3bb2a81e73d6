package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

type contextKey string

const (
	principalKey       contextKey = "principal"
	principalHolderKey contextKey = "principal_holder"
)

type principalHolder struct {
	p *Principal
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, principalHolderKey, h)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	KeyID     uuid.UUID
	KeyPrefix string
	UserID    uuid.UUID
	TeamID    *uuid.UUID
	// Owner is the URN new resources are created under and reads are scoped to.
	Owner  string
	Scopes []string
}

// HasScope reports whether the key was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

func principalFromKey(key *models.APIKey) *Principal {
	return &Principal{
		KeyID:     key.ID,
		KeyPrefix: key.KeyPrefix,
		UserID:    key.UserID,
		TeamID:    key.TeamID,
		Owner:     key.Owner(),
		Scopes:    key.Scopes,
	}
}

// SetPrincipal stores p in ctx. Handlers read it with GetPrincipal.
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	if h, ok := ctx.Value(principalHolderKey).(*principalHolder); ok {
		h.p = p
	}
	return context.WithValue(ctx, principalKey, p)
}

func GetPrincipal(r *http.Request) (*Principal, bool) {
	p, ok := r.Context().Value(principalKey).(*Principal)
	return p, ok && p != nil
}
