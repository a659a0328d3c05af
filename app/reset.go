package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

// UsageReset starts a new billing period for every active account.
type UsageReset struct {
	store  ports.LedgerStore
	cache  ports.AuthCache
	clock  ports.Clock
	logger zerolog.Logger
}

// NewUsageReset creates a new usage reset job.
func NewUsageReset(store ports.LedgerStore, cache ports.AuthCache, clock ports.Clock, logger zerolog.Logger) *UsageReset {
	return &UsageReset{store: store, cache: cache, clock: clock, logger: logger}
}

// Run zeroes tokens_used for accounts with an active subscription and then
// flushes the authorization cache. It returns the number of accounts reset.
func (r *UsageReset) Run(ctx context.Context) (int64, error) {
	n, err := r.store.ResetAllUsage(ctx, r.clock.Now())
	if err != nil {
		r.logger.Error().Err(err).Msg("usage reset failed")
		return 0, fmt.Errorf("%w: reset usage: %v", access.ErrStoreUnavailable, err)
	}

	if err := r.cache.Flush(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("auth cache flush after reset failed")
	}

	r.logger.Info().Int64("accounts", n).Msg("monthly usage reset")
	return n, nil
}
