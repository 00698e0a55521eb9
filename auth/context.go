package auth

import (
	"context"
	"net/http"
)

type tokenDataKey struct{}

// WithTokenData stores the principal in context.
func WithTokenData(ctx context.Context, td *TokenData) context.Context {
	return context.WithValue(ctx, tokenDataKey{}, td)
}

// FromContext extracts the principal from context.
func FromContext(ctx context.Context) (*TokenData, bool) {
	td, ok := ctx.Value(tokenDataKey{}).(*TokenData)
	return td, ok && td != nil
}

// RoleFromRequest returns the authenticated caller's role. It satisfies
// crud.RoleGetter.
func RoleFromRequest(r *http.Request) (string, bool) {
	td, ok := FromContext(r.Context())
	if !ok {
		return "", false
	}
	return td.Role, true
}
