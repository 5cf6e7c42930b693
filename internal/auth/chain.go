package auth

import (
	"context"
	"fmt"

	"github.com/axiomata/recital/internal/authz"
)

// Chain dispatches credential resolution by scheme: basic credentials go to
// the secret store, bearer tokens to the token manager. Either source may be
// nil, in which case its scheme is rejected.
type Chain struct {
	Basic  *CredentialStore
	Bearer *TokenManager
}

// Resolve implements authz.CredentialSource.
func (c Chain) Resolve(ctx context.Context, cred authz.Credential) (authz.Principal, error) {
	switch cred.Scheme {
	case "basic":
		if c.Basic == nil {
			break
		}
		return c.Basic.Resolve(ctx, cred)
	case "bearer":
		if c.Bearer == nil {
			break
		}
		return c.Bearer.Resolve(ctx, cred)
	}
	return authz.Principal{}, fmt.Errorf("auth: no source for scheme %q: %w", cred.Scheme, authz.ErrUnknownCredential)
}
