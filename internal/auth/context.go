// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the verified agent id via context

package auth

import (
	"context"
)

// AnonymousID identifies callers when authentication is disabled.
const AnonymousID = "anonymous"

// AuthContext holds the authenticated identity extracted from a request.
// HTTP middleware and gRPC interceptors populate it; handlers read it back.
type AuthContext struct {
	AgentID   string // "sub" claim of the verified token
	Anonymous bool   // true when no jwt_secret is configured
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

func anonymous() *AuthContext {
	return &AuthContext{AgentID: AnonymousID, Anonymous: true}
}
