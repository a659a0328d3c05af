// Package cache provides an in-process ristretto authorization cache and a
// tiered cache that layers it over a shared one.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

// LocalConfig sizes the ristretto cache.
type LocalConfig struct {
	MaxEntries int64 // approximate capacity (default: 100000)
}

// Local is a ristretto-backed authorization cache. Ristretto may refuse or
// evict entries at any time, which only costs a store lookup.
type Local struct {
	cache *ristretto.Cache

	// mu orders index updates with the ristretto writes they describe.
	mu        sync.Mutex
	byAccount map[string]map[string]struct{}
	owner     map[string]string // key -> account id
}

// NewLocal builds the cache.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init ristretto: %w", err)
	}
	return &Local{
		cache:     c,
		byAccount: make(map[string]map[string]struct{}),
		owner:     make(map[string]string),
	}, nil
}

func (l *Local) Get(ctx context.Context, key string) (access.Decision, bool, error) {
	v, ok := l.cache.Get(key)
	if !ok {
		return access.Decision{}, false, nil
	}
	d, ok := v.(access.Decision)
	return d, ok, nil
}

// Set stores the decision and waits for ristretto's buffers to drain so the
// entry is visible to the next Get.
func (l *Local) Set(ctx context.Context, key string, d access.Decision, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.SetWithTTL(key, d, 1, ttl)
	l.cache.Wait()

	l.unindexLocked(key)
	if d.AccountID != "" {
		keys, ok := l.byAccount[d.AccountID]
		if !ok {
			keys = make(map[string]struct{})
			l.byAccount[d.AccountID] = keys
		}
		keys[key] = struct{}{}
		l.owner[key] = d.AccountID
	}
	return nil
}

func (l *Local) Invalidate(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Del(key)
	l.unindexLocked(key)
	return nil
}

func (l *Local) InvalidateAccount(ctx context.Context, accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.byAccount[accountID] {
		l.cache.Del(key)
		delete(l.owner, key)
	}
	delete(l.byAccount, accountID)
	return nil
}

func (l *Local) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Clear()
	l.byAccount = make(map[string]map[string]struct{})
	l.owner = make(map[string]string)
	return nil
}

func (l *Local) unindexLocked(key string) {
	id, ok := l.owner[key]
	if !ok {
		return
	}
	delete(l.owner, key)
	keys := l.byAccount[id]
	delete(keys, key)
	if len(keys) == 0 {
		delete(l.byAccount, id)
	}
}

// Close stops ristretto's goroutines.
func (l *Local) Close() {
	l.cache.Close()
}

// Ensure interface compliance.
var _ ports.AuthCache = (*Local)(nil)
