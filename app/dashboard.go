package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/domain/quota"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

// DashboardView is the account summary shown to a key holder.
type DashboardView struct {
	Email            string           `json:"email"`
	Plan             string           `json:"plan"`
	Price            int              `json:"price"`
	TokenBalance     int64            `json:"tokenBalance"`
	MaxTokens        int64            `json:"maxTokens"`
	TokensUsed       int64            `json:"tokensUsed"`
	TokenPercentage  int              `json:"tokenPercentage"`
	WarningLevel     string           `json:"warningLevel"`
	Status           string           `json:"status"`
	CurrentPeriodEnd time.Time        `json:"currentPeriodEnd"`
	WorkflowLimit    string           `json:"workflowLimit"`
	UsageByOperation map[string]int64 `json:"usageByOperation"`
}

// Dashboard assembles account summaries.
type Dashboard struct {
	store ports.LedgerStore
	plans func() plan.Catalog
	clock ports.Clock
}

// NewDashboard creates a dashboard service. plans is consulted on every call
// so catalog reloads take effect.
func NewDashboard(store ports.LedgerStore, plans func() plan.Catalog, clock ports.Clock) *Dashboard {
	return &Dashboard{store: store, plans: plans, clock: clock}
}

// View builds the summary for an authorized decision. The usage breakdown
// covers the current calendar month and is omitted if the log is unreadable.
func (s *Dashboard) View(ctx context.Context, d access.Decision) (DashboardView, error) {
	sub, err := s.store.GetSubscriptionByAccount(ctx, d.AccountID)
	if err != nil {
		return DashboardView{}, fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}

	tier := s.plans().Lookup(sub.PlanID)
	check := quota.Check(d.TokensUsed, d.TokensAllocated, sub.CurrentPeriodEnd)

	view := DashboardView{
		Email:            d.Email,
		Plan:             tier.Name,
		Price:            tier.PriceUSD,
		TokenBalance:     d.Remaining(),
		MaxTokens:        d.TokensAllocated,
		TokensUsed:       d.TokensUsed,
		TokenPercentage:  remainingPercent(d),
		WarningLevel:     check.WarningLevel.String(),
		Status:           string(sub.Status),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		WorkflowLimit:    tier.WorkflowLimit,
	}

	start, end := quota.PeriodBounds(s.clock.Now())
	if records, err := s.store.ListUsage(ctx, d.AccountID, start); err == nil {
		view.UsageByOperation = usage.Summarize(d.AccountID, records, start, end).ByOperation
	}
	return view, nil
}

// CustomerID returns the billing customer behind an account.
func (s *Dashboard) CustomerID(ctx context.Context, accountID string) (string, error) {
	sub, err := s.store.GetSubscriptionByAccount(ctx, accountID)
	if errors.Is(err, ports.ErrNotFound) {
		return "", access.ErrForbidden
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", access.ErrStoreUnavailable, err)
	}
	return sub.ProviderCustomer, nil
}

func remainingPercent(d access.Decision) int {
	if d.TokensAllocated <= 0 {
		return 0
	}
	return int(math.Round(float64(d.Remaining()) / float64(d.TokensAllocated) * 100))
}
