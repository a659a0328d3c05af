package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/ports"
)

var (
	// ErrPaymentsDisabled is returned when payments are not configured.
	ErrPaymentsDisabled = errors.New("payments are not configured")
)

// NoopProvider is a no-op billing provider for when payments are disabled.
// It rejects every webhook so no unsigned event can mutate the ledger.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op billing provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

func (p *NoopProvider) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	return billing.Event{}, fmt.Errorf("%w: %v", access.ErrInvalidEvent, ErrPaymentsDisabled)
}

func (p *NoopProvider) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, string, error) {
	return "", "", ErrPaymentsDisabled
}

func (p *NoopProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", ErrPaymentsDisabled
}

// CancelSubscription has nothing to cancel without a provider.
func (p *NoopProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	return nil
}

// Ensure interface compliance.
var _ ports.BillingProvider = (*NoopProvider)(nil)
