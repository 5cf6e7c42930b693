package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomata/recital/internal/model"
)

// countingSource resolves a fixed principal and counts lookups.
type countingSource struct {
	principal Principal
	err       error
	calls     atomic.Int64
	delay     time.Duration
}

func (s *countingSource) Resolve(_ context.Context, _ Credential) (Principal, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return Principal{}, s.err
	}
	return s.principal, nil
}

func testPrincipal(scopes ...Scope) Principal {
	return Principal{
		KeyID:  "key-1",
		Agent:  model.Agent{Mbox: "mailto:client@example.com"},
		Scopes: scopes,
	}
}

func TestAuthenticate_CachesResolution(t *testing.T) {
	src := &countingSource{principal: testPrincipal(ScopeWrite)}
	g := NewGate(src, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	cred := Credential{Scheme: "basic", Token: "key-1:secret"}

	for i := 0; i < 3; i++ {
		p, err := g.Authenticate(context.Background(), cred)
		require.NoError(t, err)
		assert.Equal(t, "key-1", p.KeyID)
	}
	assert.Equal(t, int64(1), src.calls.Load())

	// A different credential is a different cache entry.
	_, err := g.Authenticate(context.Background(), Credential{Scheme: "basic", Token: "key-1:other"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestAuthenticate_UnknownCredentialNotCached(t *testing.T) {
	src := &countingSource{err: fmt.Errorf("nope: %w", ErrUnknownCredential)}
	g := NewGate(src, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	cred := Credential{Scheme: "basic", Token: "ghost:secret"}

	_, err := g.Authenticate(context.Background(), cred)
	assert.ErrorIs(t, err, ErrUnknownCredential)

	// Failures must not be cached: a second attempt hits the source again.
	_, err = g.Authenticate(context.Background(), cred)
	assert.ErrorIs(t, err, ErrUnknownCredential)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestAuthenticate_ConcurrentResolutionsCollapse(t *testing.T) {
	src := &countingSource{principal: testPrincipal(ScopeRead), delay: 20 * time.Millisecond}
	g := NewGate(src, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	cred := Credential{Scheme: "basic", Token: "key-1:secret"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Authenticate(context.Background(), cred)
			assert.NoError(t, err)
			assert.Equal(t, "key-1", p.KeyID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.calls.Load(), "concurrent lookups should collapse to one")
}

func TestForget_DropsCachedEntry(t *testing.T) {
	src := &countingSource{principal: testPrincipal(ScopeWrite)}
	g := NewGate(src, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	cred := Credential{Scheme: "basic", Token: "key-1:secret"}

	_, err := g.Authenticate(context.Background(), cred)
	require.NoError(t, err)
	g.Forget(cred)

	_, err = g.Authenticate(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestAuthorizeWrite(t *testing.T) {
	g := NewGate(&countingSource{}, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	assert.NoError(t, g.AuthorizeWrite(testPrincipal(ScopeWrite)))
	assert.NoError(t, g.AuthorizeWrite(testPrincipal(ScopeAll)))

	err := g.AuthorizeWrite(testPrincipal(ScopeRead))
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthorizeRead_FullScopeLeavesQueryAlone(t *testing.T) {
	g := NewGate(&countingSource{}, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	q := model.StatementQuery{Authority: "mbox::mailto:someone-else@example.com"}
	require.NoError(t, g.AuthorizeRead(testPrincipal(ScopeRead), &q))
	assert.Equal(t, "mbox::mailto:someone-else@example.com", q.Authority)
}

func TestAuthorizeRead_MineScopeNarrowsAuthority(t *testing.T) {
	g := NewGate(&countingSource{}, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	// A caller-supplied authority filter is overwritten, never widened.
	q := model.StatementQuery{Authority: "mbox::mailto:someone-else@example.com"}
	require.NoError(t, g.AuthorizeRead(testPrincipal(ScopeReadMine), &q))
	assert.Equal(t, "mbox::mailto:client@example.com", q.Authority)
}

func TestAuthorizeRead_DeniedWithoutReadScope(t *testing.T) {
	g := NewGate(&countingSource{}, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	var q model.StatementQuery
	err := g.AuthorizeRead(testPrincipal(ScopeWrite), &q)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthorizeRead_MineWithoutBoundAgentDenied(t *testing.T) {
	g := NewGate(&countingSource{}, time.Minute, slog.New(slog.DiscardHandler))
	defer g.Close()

	p := Principal{KeyID: "key-2", Scopes: ScopeSet{ScopeReadMine}}
	var q model.StatementQuery
	err := g.AuthorizeRead(p, &q)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestCacheExpiry(t *testing.T) {
	src := &countingSource{principal: testPrincipal(ScopeRead)}
	g := NewGate(src, 30*time.Millisecond, slog.New(slog.DiscardHandler))
	defer g.Close()

	cred := Credential{Scheme: "basic", Token: "key-1:secret"}

	_, err := g.Authenticate(context.Background(), cred)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = g.Authenticate(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load(), "entry should have expired")
}
