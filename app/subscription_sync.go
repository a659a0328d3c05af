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
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/ports"
)

// SubscriptionSync applies verified billing lifecycle events to the ledger.
type SubscriptionSync struct {
	store    ports.LedgerStore
	cache    ports.AuthCache
	keys     ports.KeyGenerator
	notifier ports.KeyNotifier
	clock    ports.Clock
	logger   zerolog.Logger

	storeTimeout time.Duration
	plans        atomic.Pointer[plan.Catalog]
}

// SubscriptionSyncDeps contains dependencies for SubscriptionSync.
type SubscriptionSyncDeps struct {
	Store    ports.LedgerStore
	Cache    ports.AuthCache
	Keys     ports.KeyGenerator
	Notifier ports.KeyNotifier
	Clock    ports.Clock
	Logger   zerolog.Logger
}

// NewSubscriptionSync creates a new subscription sync service.
func NewSubscriptionSync(deps SubscriptionSyncDeps, plans plan.Catalog, storeTimeout time.Duration) *SubscriptionSync {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	s := &SubscriptionSync{
		store:        deps.Store,
		cache:        deps.Cache,
		keys:         deps.Keys,
		notifier:     deps.Notifier,
		clock:        deps.Clock,
		logger:       deps.Logger,
		storeTimeout: storeTimeout,
	}
	s.plans.Store(&plans)
	return s
}

// UpdatePlans swaps the plan catalog. Safe for concurrent use.
func (s *SubscriptionSync) UpdatePlans(c plan.Catalog) {
	s.plans.Store(&c)
}

// Plans returns the active plan catalog.
func (s *SubscriptionSync) Plans() plan.Catalog {
	return *s.plans.Load()
}

// Apply applies one verified event. Replaying an event converges to the same
// ledger state, apart from the API key which is rotated again.
//
// Events for unknown subscriptions and unhandled event types are logged and
// acknowledged with a nil error. A malformed event returns
// access.ErrInvalidEvent; a ledger failure returns access.ErrStoreUnavailable
// so the provider redelivers.
func (s *SubscriptionSync) Apply(ctx context.Context, evt billing.Event) error {
	log := s.logger.With().Str("event_id", evt.ID).Str("event_type", string(evt.Type)).Logger()

	if !evt.Type.Handled() {
		log.Debug().Msg("ignoring billing event")
		return nil
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", access.ErrInvalidEvent, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	var err error
	if evt.Type == billing.EventCheckoutCompleted {
		err = s.applyCheckout(ctx, log, evt)
	} else {
		err = s.applyStatus(ctx, log, evt)
	}

	if errors.Is(err, access.ErrUnknownSubscription) {
		log.Warn().Err(err).Msg("billing event for unknown subscription")
		return nil
	}
	return err
}

func (s *SubscriptionSync) applyCheckout(ctx context.Context, log zerolog.Logger, evt billing.Event) error {
	now := s.clock.Now()
	email := billing.NormalizeEmail(evt.Email)
	tier := s.plans.Load().Lookup(evt.PriceID)
	apiKey := s.keys.NewKey()

	acc, err := s.store.UpsertAccount(ctx, account.Account{
		APIKey:          apiKey,
		Email:           email,
		TokensAllocated: tier.Tokens,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("account upsert failed")
		return fmt.Errorf("%w: upsert account: %v", access.ErrStoreUnavailable, err)
	}

	// The account is unauthorized until this succeeds.
	_, err = s.store.UpsertSubscription(ctx, account.Subscription{
		AccountID:        acc.ID,
		ProviderID:       evt.SubscriptionID,
		ProviderCustomer: evt.CustomerID,
		PlanID:           evt.PriceID,
		Status:           account.StatusActive,
		CurrentPeriodEnd: evt.PeriodEndOr(now.AddDate(0, 1, 0)),
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		log.Error().Err(err).Str("account_id", acc.ID).Msg("subscription upsert failed")
		return fmt.Errorf("%w: upsert subscription: %v", access.ErrStoreUnavailable, err)
	}

	s.invalidate(ctx, log, acc.ID)

	if err := s.notifier.KeyIssued(ctx, email, apiKey); err != nil {
		log.Error().Err(err).Str("account_id", acc.ID).Msg("key notification failed")
	}

	log.Info().
		Str("account_id", acc.ID).
		Str("plan", tier.ID).
		Int64("tokens_allocated", tier.Tokens).
		Msg("subscription activated")
	return nil
}

func (s *SubscriptionSync) applyStatus(ctx context.Context, log zerolog.Logger, evt billing.Event) error {
	sub, err := s.store.UpdateSubscriptionStatus(ctx, account.Subscription{
		ProviderID:       evt.SubscriptionID,
		Status:           evt.TargetStatus(),
		PlanID:           evt.PriceID,
		CurrentPeriodEnd: evt.PeriodEnd,
		UpdatedAt:        s.clock.Now(),
	})
	if errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("%w: %s", access.ErrUnknownSubscription, evt.SubscriptionID)
	}
	if err != nil {
		log.Error().Err(err).Str("subscription_id", evt.SubscriptionID).Msg("subscription update failed")
		return fmt.Errorf("%w: update subscription: %v", access.ErrStoreUnavailable, err)
	}

	s.invalidate(ctx, log, sub.AccountID)

	log.Info().
		Str("account_id", sub.AccountID).
		Str("subscription_id", sub.ProviderID).
		Str("status", string(sub.Status)).
		Msg("subscription status updated")
	return nil
}

func (s *SubscriptionSync) invalidate(ctx context.Context, log zerolog.Logger, accountID string) {
	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("auth cache invalidation failed")
	}
}
