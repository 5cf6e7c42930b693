package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/axiomata/recital/internal/model"
)

// DefaultCacheTTL bounds how long a revoked credential keeps working.
const DefaultCacheTTL = 30 * time.Second

// Gate authenticates credentials and enforces scopes on store operations.
// Resolved principals are cached for a short TTL; concurrent resolutions of
// the same credential are collapsed into a single source lookup.
type Gate struct {
	source CredentialSource
	cache  *principalCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewGate creates a Gate over the given credential source. A ttl of zero
// uses DefaultCacheTTL.
func NewGate(source CredentialSource, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		source: source,
		cache:  newPrincipalCache(ttl),
		logger: logger,
	}
}

// Close stops the cache eviction goroutine.
func (g *Gate) Close() {
	g.cache.close()
}

// Authenticate resolves a credential to a principal, consulting the cache
// first. Unknown or failed credentials return ErrUnknownCredential.
func (g *Gate) Authenticate(ctx context.Context, cred Credential) (Principal, error) {
	key := cred.fingerprint()
	if p, ok := g.cache.get(key); ok {
		return p, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		p, err := g.source.Resolve(ctx, cred)
		if err != nil {
			return Principal{}, err
		}
		g.cache.set(key, p)
		return p, nil
	})
	if err != nil {
		return Principal{}, err
	}
	return v.(Principal), nil
}

// Forget drops any cached resolution of the credential. Call after revoking
// or rotating it.
func (g *Gate) Forget(cred Credential) {
	g.cache.invalidate(cred.fingerprint())
}

// AuthorizeWrite checks that the principal may ingest statements.
func (g *Gate) AuthorizeWrite(p Principal) error {
	if !p.Scopes.Covers(ScopeWrite) {
		g.logger.Warn("authz: write denied", "key_id", p.KeyID, "scopes", p.Scopes.String())
		return fmt.Errorf("authz: write statements: %w", ErrDenied)
	}
	return nil
}

// AuthorizeRead checks that the principal may run the query and narrows it
// when the grant is "mine"-scoped. Narrowing stamps the query's authority
// filter with the principal's bound identity; any caller-supplied authority
// filter is overwritten, never widened.
func (g *Gate) AuthorizeRead(p Principal, q *model.StatementQuery) error {
	if p.Scopes.Covers(ScopeRead) {
		return nil
	}
	if !p.Scopes.Covers(ScopeReadMine) {
		g.logger.Warn("authz: read denied", "key_id", p.KeyID, "scopes", p.Scopes.String())
		return fmt.Errorf("authz: read statements: %w", ErrDenied)
	}

	ifi := p.Agent.IFI()
	if ifi == "" {
		return fmt.Errorf("authz: mine-scoped credential %q has no bound agent: %w", p.KeyID, ErrDenied)
	}
	q.Authority = ifi
	return nil
}
