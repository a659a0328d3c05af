package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/quota"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

// Meter records token consumption against an account.
type Meter struct {
	store  ports.LedgerStore
	cache  ports.AuthCache
	clock  ports.Clock
	idGen  ports.IDGenerator
	logger zerolog.Logger

	cfg atomic.Pointer[MeterConfig]
}

// MeterDeps contains dependencies for Meter.
type MeterDeps struct {
	Store  ports.LedgerStore
	Cache  ports.AuthCache
	Clock  ports.Clock
	IDGen  ports.IDGenerator
	Logger zerolog.Logger
}

// MeterConfig contains configuration for Meter.
type MeterConfig struct {
	StoreTimeout  time.Duration
	FailurePolicy quota.FailurePolicy
}

// NewMeter creates a new usage meter.
func NewMeter(deps MeterDeps, cfg MeterConfig) *Meter {
	m := &Meter{
		store:  deps.Store,
		cache:  deps.Cache,
		clock:  deps.Clock,
		idGen:  deps.IDGen,
		logger: deps.Logger,
	}
	m.UpdateConfig(cfg)
	return m
}

// UpdateConfig swaps the configuration. Safe for concurrent use.
func (m *Meter) UpdateConfig(cfg MeterConfig) {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = quota.FailClosedAtEdge
	}
	m.cfg.Store(&cfg)
}

// Charge adds tokens to the account's consumption and returns the new total.
//
// A zero charge reads the current total without incrementing, logging usage
// or invalidating the cache. The increment is applied even if ctx is cancelled after Charge starts; only the
// store timeout bounds it. A failed usage-log append is logged and does not
// fail the charge, since the counter is authoritative.
func (m *Meter) Charge(ctx context.Context, accountID string, tokens int64, op string) (int64, error) {
	if tokens < 0 {
		return 0, fmt.Errorf("%w: negative token count %d", access.ErrInvalidCharge, tokens)
	}
	if op == "" {
		op = usage.OpCharge
	}

	cfg := m.cfg.Load()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	defer cancel()

	if tokens == 0 {
		return m.currentUsage(ctx, accountID)
	}

	now := m.clock.Now()
	total, err := m.store.IncrementUsage(ctx, accountID, tokens, now)
	if err != nil {
		m.logger.Error().Err(err).
			Str("account_id", accountID).
			Int64("tokens", tokens).
			Msg("charge not recorded")
		if errors.Is(err, ports.ErrNotFound) {
			return 0, fmt.Errorf("charge unknown account %s: %w", accountID, err)
		}
		return 0, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	rec := usage.Record{
		ID:        m.idGen.New(),
		AccountID: accountID,
		Tokens:    tokens,
		Operation: op,
		CreatedAt: now,
	}
	if err := m.store.AppendUsageLog(ctx, rec); err != nil {
		m.logger.Warn().Err(err).
			Str("account_id", accountID).
			Str("operation", op).
			Msg("usage log append failed")
	}

	if err := m.cache.InvalidateAccount(ctx, accountID); err != nil {
		m.logger.Warn().Err(err).Str("account_id", accountID).Msg("auth cache invalidation failed")
	}

	m.logger.Debug().
		Str("account_id", accountID).
		Int64("tokens", tokens).
		Int64("tokens_used", total).
		Str("operation", op).
		Msg("tokens charged")
	return total, nil
}

func (m *Meter) currentUsage(ctx context.Context, accountID string) (int64, error) {
	a, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, ports.ErrNotFound) {
		return 0, fmt.Errorf("charge unknown account %s: %w", accountID, err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}
	return a.TokensUsed, nil
}

// FailRequest decides whether a request whose charge could not be recorded
// must fail, given the decision it was authorized with.
func (m *Meter) FailRequest(d access.Decision, cost int64) bool {
	return quota.ShouldFailClosed(m.cfg.Load().FailurePolicy, d.Remaining(), cost)
}

// Policy returns the active failure policy.
func (m *Meter) Policy() quota.FailurePolicy {
	return m.cfg.Load().FailurePolicy
}
