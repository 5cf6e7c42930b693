package authz

import (
	"sync"
	"time"
)

// principalCache is a short-TTL in-memory cache of resolved principals.
// It keeps hot credentials from hitting the credential source (an argon2
// verification or a database lookup) on every request.
//
// Key: credential fingerprint. Value: the resolved principal + expiry.
type principalCache struct {
	mu      sync.RWMutex
	entries map[string]cachedPrincipal
	ttl     time.Duration
	done    chan struct{}
}

type cachedPrincipal struct {
	principal Principal
	expiresAt time.Time
}

// newPrincipalCache creates a cache with the given TTL and starts a
// background eviction goroutine. Call close to stop it.
func newPrincipalCache(ttl time.Duration) *principalCache {
	c := &principalCache{
		entries: make(map[string]cachedPrincipal),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// get returns the cached principal and true if a valid entry exists.
func (c *principalCache) get(key string) (Principal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Principal{}, false
	}
	return entry.principal, true
}

// set stores a principal with the configured TTL.
func (c *principalCache) set(key string, p Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedPrincipal{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// invalidate removes a single entry, used after credential revocation.
func (c *principalCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// close stops the background eviction goroutine.
func (c *principalCache) close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *principalCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *principalCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
