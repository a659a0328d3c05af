package cache

import (
	"context"
	"errors"
	"time"

	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

// FlushAll is the broadcast account id that clears every local tier.
const FlushAll = "*"

// Broadcaster fans account invalidations out to other instances.
type Broadcaster interface {
	PublishInvalidation(ctx context.Context, accountID string) error
}

// TieredConfig configures a Tiered cache.
type TieredConfig struct {
	// L1TTL caps how long a decision lives in the local tier (default: 30s).
	L1TTL time.Duration
	// MaxAge is the overall decision TTL. Entries promoted from L2 never
	// outlive IssuedAt+MaxAge in L1.
	MaxAge time.Duration
	Clock  ports.Clock
	// Broadcaster is optional.
	Broadcaster Broadcaster
}

// Tiered reads a fast local tier first and falls back to a shared tier.
// Writes and invalidations go to both.
type Tiered struct {
	l1, l2 ports.AuthCache
	cfg    TieredConfig
}

// NewTiered layers l1 over l2.
func NewTiered(l1, l2 ports.AuthCache, cfg TieredConfig) *Tiered {
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Tiered{l1: l1, l2: l2, cfg: cfg}
}

func (t *Tiered) Get(ctx context.Context, key string) (access.Decision, bool, error) {
	if d, ok, err := t.l1.Get(ctx, key); err == nil && ok {
		return d, true, nil
	}

	d, ok, err := t.l2.Get(ctx, key)
	if err != nil || !ok {
		return access.Decision{}, false, err
	}

	remaining := t.cfg.MaxAge - t.cfg.Clock.Now().Sub(d.IssuedAt)
	if remaining <= 0 {
		return access.Decision{}, false, nil
	}
	_ = t.l1.Set(ctx, key, d, min(remaining, t.cfg.L1TTL))
	return d, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, d access.Decision, ttl time.Duration) error {
	_ = t.l1.Set(ctx, key, d, min(ttl, t.cfg.L1TTL))
	return t.l2.Set(ctx, key, d, ttl)
}

func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	return errors.Join(t.l1.Invalidate(ctx, key), t.l2.Invalidate(ctx, key))
}

// InvalidateAccount clears both tiers, then tells other instances to clear
// their local tier.
func (t *Tiered) InvalidateAccount(ctx context.Context, accountID string) error {
	err := errors.Join(t.l1.InvalidateAccount(ctx, accountID), t.l2.InvalidateAccount(ctx, accountID))
	if t.cfg.Broadcaster != nil {
		err = errors.Join(err, t.cfg.Broadcaster.PublishInvalidation(ctx, accountID))
	}
	return err
}

// InvalidateLocal clears only the local tier. It is the receiving end of a
// broadcast.
func (t *Tiered) InvalidateLocal(ctx context.Context, accountID string) error {
	if accountID == FlushAll {
		return t.l1.Flush(ctx)
	}
	return t.l1.InvalidateAccount(ctx, accountID)
}

func (t *Tiered) Flush(ctx context.Context) error {
	err := errors.Join(t.l1.Flush(ctx), t.l2.Flush(ctx))
	if t.cfg.Broadcaster != nil {
		err = errors.Join(err, t.cfg.Broadcaster.PublishInvalidation(ctx, FlushAll))
	}
	return err
}

// Ensure interface compliance.
var _ ports.AuthCache = (*Tiered)(nil)
