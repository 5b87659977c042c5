// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/2389/tally-gateway/internal/tenant"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	// Tenant is set for tenant-scoped tokens.
	Tenant tenant.ID
}

// IsOperator reports whether the caller may act on every tenant.
func (a *AuthContext) IsOperator() bool {
	return a.Tenant == ""
}

// CanManage reports whether the caller may act on tenant t.
func (a *AuthContext) CanManage(t tenant.ID) bool {
	return a.IsOperator() || a.Tenant == t
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
