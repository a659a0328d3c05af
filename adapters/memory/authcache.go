package memory

import (
	"context"
	"sync"
	"time"

	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

type cacheEntry struct {
	decision  access.Decision
	expiresAt time.Time
}

// AuthCache is an in-memory authorization cache with an account index for
// precise invalidation. The clock is injectable so tests control expiry.
type AuthCache struct {
	mu        sync.RWMutex
	entries   map[string]cacheEntry
	byAccount map[string]map[string]struct{}
	clock     ports.Clock
}

// NewAuthCache creates an empty cache. A nil clock uses real time.
func NewAuthCache(c ports.Clock) *AuthCache {
	if c == nil {
		c = clock.Real{}
	}
	return &AuthCache{
		entries:   make(map[string]cacheEntry),
		byAccount: make(map[string]map[string]struct{}),
		clock:     c,
	}
}

// Get returns the decision if present and unexpired.
func (c *AuthCache) Get(ctx context.Context, key string) (access.Decision, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return access.Decision{}, false, nil
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			c.removeLocked(key)
		}
		c.mu.Unlock()
		return access.Decision{}, false, nil
	}
	return e.decision, true, nil
}

// Set stores a decision for ttl.
func (c *AuthCache) Set(ctx context.Context, key string, d access.Decision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok && old.decision.AccountID != d.AccountID {
		c.unindexLocked(old.decision.AccountID, key)
	}
	c.entries[key] = cacheEntry{decision: d, expiresAt: c.clock.Now().Add(ttl)}
	if d.AccountID != "" {
		keys, ok := c.byAccount[d.AccountID]
		if !ok {
			keys = make(map[string]struct{})
			c.byAccount[d.AccountID] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// Invalidate drops a single key.
func (c *AuthCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
	return nil
}

// InvalidateAccount drops every key cached for accountID.
func (c *AuthCache) InvalidateAccount(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.byAccount[accountID] {
		delete(c.entries, key)
	}
	delete(c.byAccount, accountID)
	return nil
}

// Flush drops everything.
func (c *AuthCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.byAccount = make(map[string]map[string]struct{})
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not (for testing).
func (c *AuthCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AuthCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.unindexLocked(e.decision.AccountID, key)
}

func (c *AuthCache) unindexLocked(accountID, key string) {
	keys := c.byAccount[accountID]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byAccount, accountID)
	}
}

// Ensure interface compliance.
var _ ports.AuthCache = (*AuthCache)(nil)
