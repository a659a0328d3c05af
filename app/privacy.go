package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

// DeleteConfirmation must accompany an account deletion request.
const DeleteConfirmation = "DELETE_MY_ACCOUNT"

// AccountExport is everything the ledger holds about one account.
type AccountExport struct {
	Account      ExportedAccount       `json:"account"`
	Subscription *ExportedSubscription `json:"subscription,omitempty"`
	Usage        []ExportedUsage       `json:"usage"`
	ExportedAt   time.Time             `json:"exportedAt"`
}

type ExportedAccount struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	APIKey          string    `json:"apiKey"`
	TokensAllocated int64     `json:"tokensAllocated"`
	TokensUsed      int64     `json:"tokensUsed"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type ExportedSubscription struct {
	ProviderID       string    `json:"providerSubscriptionId"`
	ProviderCustomer string    `json:"providerCustomerId"`
	PlanID           string    `json:"planId"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
}

type ExportedUsage struct {
	Tokens    int64     `json:"tokens"`
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccountData serves data export and erasure requests from key holders.
type AccountData struct {
	store   ports.LedgerStore
	cache   ports.AuthCache
	billing ports.BillingProvider
	clock   ports.Clock
	logger  zerolog.Logger

	storeTimeout time.Duration
}

// AccountDataDeps contains dependencies for AccountData.
type AccountDataDeps struct {
	Store   ports.LedgerStore
	Cache   ports.AuthCache
	Billing ports.BillingProvider
	Clock   ports.Clock
	Logger  zerolog.Logger
}

// NewAccountData creates the export and erasure service.
func NewAccountData(deps AccountDataDeps, storeTimeout time.Duration) *AccountData {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &AccountData{
		store:        deps.Store,
		cache:        deps.Cache,
		billing:      deps.Billing,
		clock:        deps.Clock,
		logger:       deps.Logger,
		storeTimeout: storeTimeout,
	}
}

// Export collects the account, its subscription and its full usage log.
func (s *AccountData) Export(ctx context.Context, accountID string) (AccountExport, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, ports.ErrNotFound) {
		return AccountExport{}, access.ErrForbidden
	}
	if err != nil {
		return AccountExport{}, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	out := AccountExport{
		Account: ExportedAccount{
			ID:              a.ID,
			Email:           a.Email,
			APIKey:          a.APIKey,
			TokensAllocated: a.TokensAllocated,
			TokensUsed:      a.TokensUsed,
			CreatedAt:       a.CreatedAt,
			UpdatedAt:       a.UpdatedAt,
		},
		Usage:      []ExportedUsage{},
		ExportedAt: s.clock.Now(),
	}

	sub, err := s.store.GetSubscriptionByAccount(ctx, accountID)
	switch {
	case err == nil:
		out.Subscription = &ExportedSubscription{
			ProviderID:       sub.ProviderID,
			ProviderCustomer: sub.ProviderCustomer,
			PlanID:           sub.PlanID,
			Status:           string(sub.Status),
			CurrentPeriodEnd: sub.CurrentPeriodEnd,
		}
	case !errors.Is(err, ports.ErrNotFound):
		return AccountExport{}, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	records, err := s.store.ListUsage(ctx, accountID, time.Time{})
	if err != nil {
		return AccountExport{}, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}
	for _, r := range records {
		out.Usage = append(out.Usage, exportUsage(r))
	}
	return out, nil
}

// Delete cancels the account's billing subscription, removes the account from
// the ledger and drops its cached decisions. A refused cancellation leaves
// the account in place.
func (s *AccountData) Delete(ctx context.Context, accountID, confirm string) error {
	if confirm != DeleteConfirmation {
		return access.ErrNotConfirmed
	}
	log := s.logger.With().Str("account_id", accountID).Logger()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	sub, err := s.store.GetSubscriptionByAccount(ctx, accountID)
	switch {
	case err == nil:
		if sub.Status != account.StatusCanceled {
			if err := s.billing.CancelSubscription(ctx, sub.ProviderID); err != nil {
				log.Error().Err(err).Str("subscription_id", sub.ProviderID).Msg("subscription cancel failed, account kept")
				return fmt.Errorf("cancel subscription: %w", err)
			}
		}
	case !errors.Is(err, ports.ErrNotFound):
		return fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	err = s.store.DeleteAccount(ctx, accountID)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		log.Error().Err(err).Msg("account delete failed")
		return fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		log.Warn().Err(err).Msg("auth cache invalidation failed")
	}
	log.Info().Msg("account deleted")
	return nil
}

func exportUsage(r usage.Record) ExportedUsage {
	return ExportedUsage{Tokens: r.Tokens, Operation: r.Operation, CreatedAt: r.CreatedAt}
}
