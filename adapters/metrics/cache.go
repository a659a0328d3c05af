package metrics

import (
	"context"

	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

// InstrumentedCache counts hits and misses of the wrapped authorization cache.
type InstrumentedCache struct {
	ports.AuthCache
	c *Collector
}

// InstrumentCache wraps next. A nil collector returns next unchanged.
func InstrumentCache(next ports.AuthCache, c *Collector) ports.AuthCache {
	if c == nil {
		return next
	}
	return &InstrumentedCache{AuthCache: next, c: c}
}

func (ic *InstrumentedCache) Get(ctx context.Context, key string) (access.Decision, bool, error) {
	d, ok, err := ic.AuthCache.Get(ctx, key)
	switch {
	case err != nil:
		ic.c.CacheLookups.WithLabelValues("error").Inc()
	case ok:
		ic.c.CacheLookups.WithLabelValues("hit").Inc()
	default:
		ic.c.CacheLookups.WithLabelValues("miss").Inc()
	}
	return d, ok, err
}
