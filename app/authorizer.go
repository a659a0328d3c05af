// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/quota"
	"github.com/velariq/tokengate/ports"
	"golang.org/x/sync/singleflight"
)

// Default timings shared by the services.
const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultStoreTimeout = 5 * time.Second
)

// Authorizer answers whether an API key may make a metered request.
type Authorizer struct {
	store  ports.LedgerStore
	cache  ports.AuthCache
	clock  ports.Clock
	logger zerolog.Logger

	// Concurrent misses for one key share a single store lookup.
	lookups singleflight.Group

	// Dynamic configuration (hot-reloadable)
	cfg atomic.Pointer[AuthorizerConfig]
}

// AuthorizerDeps contains dependencies for Authorizer.
type AuthorizerDeps struct {
	Store  ports.LedgerStore
	Cache  ports.AuthCache
	Clock  ports.Clock
	Logger zerolog.Logger
}

// AuthorizerConfig contains configuration for Authorizer.
type AuthorizerConfig struct {
	CacheTTL     time.Duration // lifetime of a cached decision
	StoreTimeout time.Duration // bound on one ledger lookup
}

func (c AuthorizerConfig) withDefaults() AuthorizerConfig {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// NewAuthorizer creates a new authorizer.
func NewAuthorizer(deps AuthorizerDeps, cfg AuthorizerConfig) *Authorizer {
	a := &Authorizer{
		store:  deps.Store,
		cache:  deps.Cache,
		clock:  deps.Clock,
		logger: deps.Logger,
	}
	a.UpdateConfig(cfg)
	return a
}

// UpdateConfig swaps the configuration. Safe for concurrent use.
func (a *Authorizer) UpdateConfig(cfg AuthorizerConfig) {
	cfg = cfg.withDefaults()
	a.cfg.Store(&cfg)
}

// Authorize resolves key to a decision.
//
// Errors: access.ErrUnauthenticated for an empty key, access.ErrForbidden for
// an unknown key or inactive subscription, *access.QuotaError once the
// allocation is spent (the snapshot is returned alongside it), and
// access.ErrStoreUnavailable when the ledger cannot answer in time.
func (a *Authorizer) Authorize(ctx context.Context, key string) (access.Decision, error) {
	if key == "" {
		return access.Decision{}, access.ErrUnauthenticated
	}

	d, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.logger.Warn().Err(err).Msg("auth cache read failed, falling back to ledger")
	}
	if err == nil && ok {
		return d, evaluate(d)
	}

	ch := a.lookups.DoChan(key, func() (any, error) {
		return a.load(key)
	})

	select {
	case <-ctx.Done():
		return access.Decision{}, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return access.Decision{}, res.Err
		}
		d := res.Val.(access.Decision)
		return d, evaluate(d)
	}
}

// load reads the ledger on a context detached from any single caller, since
// the result is shared by every caller waiting on the same key.
func (a *Authorizer) load(key string) (access.Decision, error) {
	cfg := a.cfg.Load()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()

	auth, err := a.store.GetAuthorizedAccount(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return access.Decision{}, access.ErrForbidden
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("ledger lookup failed")
		return access.Decision{}, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	d := NewDecision(auth, a.clock.Now())
	if d.Allowed {
		if err := a.cache.Set(ctx, key, d, cfg.CacheTTL); err != nil {
			a.logger.Warn().Err(err).Str("account_id", d.AccountID).Msg("auth cache write failed")
		}
	}
	return d, nil
}

// NewDecision snapshots an authorized account at now.
// This is a PURE function.
func NewDecision(auth account.Authorized, now time.Time) access.Decision {
	check := quota.Check(auth.Account.TokensUsed, auth.Account.TokensAllocated, auth.Subscription.CurrentPeriodEnd)
	d := access.Decision{
		AccountID:       auth.Account.ID,
		Email:           auth.Account.Email,
		PlanID:          auth.Subscription.PlanID,
		TokensAllocated: auth.Account.TokensAllocated,
		TokensUsed:      auth.Account.TokensUsed,
		PeriodEnd:       auth.Subscription.CurrentPeriodEnd,
		Allowed:         check.Allowed,
		Reason:          access.ReasonAllowed,
		IssuedAt:        now,
	}
	if !check.Allowed {
		d.Reason = access.ReasonQuotaExceeded
	}
	return d
}

func evaluate(d access.Decision) error {
	if d.Allowed {
		return nil
	}
	return &access.QuotaError{Used: d.TokensUsed, Limit: d.TokensAllocated, ResetAt: d.PeriodEnd}
}
