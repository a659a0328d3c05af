package app

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/domain/abuse"
	"github.com/velariq/tokengate/ports"
)

// AbuseGuard throttles origins that exceed the per-window request threshold.
type AbuseGuard struct {
	store  ports.AbuseStore
	logger zerolog.Logger

	cfg atomic.Pointer[abuse.Config]
}

// NewAbuseGuard creates a new abuse guard. Zero config fields take the
// package defaults (1000 requests per hour).
func NewAbuseGuard(store ports.AbuseStore, logger zerolog.Logger, cfg abuse.Config) *AbuseGuard {
	g := &AbuseGuard{store: store, logger: logger}
	g.UpdateConfig(cfg)
	return g
}

// UpdateConfig swaps the threshold and window. A new window length applies
// to windows created afterwards.
func (g *AbuseGuard) UpdateConfig(cfg abuse.Config) {
	cfg = cfg.WithDefaults()
	g.cfg.Store(&cfg)
}

// Check counts one request from origin. A store failure allows the request.
func (g *AbuseGuard) Check(ctx context.Context, origin string) abuse.CheckResult {
	cfg := g.cfg.Load()

	count, resetAt, err := g.store.Increment(ctx, origin, cfg.Window)
	if err != nil {
		g.logger.Warn().Err(err).Str("origin", origin).Msg("abuse counter unavailable, allowing request")
		return abuse.CheckResult{Allowed: true}
	}

	res := abuse.CheckResult{
		Allowed: abuse.Allowed(count, cfg.Threshold),
		Count:   count,
		ResetAt: resetAt,
	}
	if !res.Allowed && count == cfg.Threshold+1 {
		g.logger.Warn().
			Str("origin", origin).
			Time("reset_at", resetAt).
			Msg("origin exceeded abuse threshold")
	}
	return res
}

// RecordAndCheck counts one request from origin and reports whether it may
// proceed.
func (g *AbuseGuard) RecordAndCheck(ctx context.Context, origin string) bool {
	return g.Check(ctx, origin).Allowed
}
