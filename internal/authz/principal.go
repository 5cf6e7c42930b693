package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/axiomata/recital/internal/model"
)

// ErrDenied is returned when a credential resolves but lacks the required
// scope. It is distinct from ErrUnknownCredential so handlers can answer
// 403 versus 401.
var (
	ErrDenied            = errors.New("authz: denied")
	ErrUnknownCredential = errors.New("authz: unknown credential")
)

// Credential is an unresolved client credential as presented on the wire.
type Credential struct {
	// Scheme is the lowercased HTTP auth scheme, "basic" or "bearer".
	Scheme string
	// Token is the scheme-specific payload: the decoded "keyid:secret"
	// pair for basic, the raw JWT for bearer.
	Token string
}

// fingerprint returns a cache key that does not retain the raw secret.
func (c Credential) fingerprint() string {
	sum := sha256.Sum256([]byte(c.Scheme + "\x00" + c.Token))
	return hex.EncodeToString(sum[:])
}

// Principal is a resolved credential: who the caller is and what they may do.
type Principal struct {
	// KeyID identifies the credential record, for logging.
	KeyID string
	// Agent is the caller's bound identity. Statements ingested by this
	// principal carry it as authority, and "mine"-scoped reads are
	// narrowed to it.
	Agent model.Agent
	// Scopes are the grants attached to the credential.
	Scopes ScopeSet
}

// CredentialSource resolves a credential to a principal. Implementations
// return ErrUnknownCredential for credentials that do not exist or fail
// verification.
type CredentialSource interface {
	Resolve(ctx context.Context, cred Credential) (Principal, error)
}
