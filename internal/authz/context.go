package authz

import "context"

type contextKey struct{}

// WithPrincipal stores the authenticated principal on the context. The HTTP
// auth middleware calls this once per request; anything downstream of it,
// including non-HTTP surfaces mounted behind it, reads the same principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext extracts the authenticated principal, or nil when the
// context never passed through authentication.
func PrincipalFromContext(ctx context.Context) *Principal {
	if v, ok := ctx.Value(contextKey{}).(*Principal); ok {
		return v
	}
	return nil
}
