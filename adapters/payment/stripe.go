// Package payment provides billing provider adapters.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/ports"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook (default: 5 minutes).
	Tolerance time.Duration
}

// StripeProvider implements ports.BillingProvider for Stripe.
type StripeProvider struct {
	config StripeConfig
	api    *client.API
}

// NewStripeProvider creates a new Stripe billing provider. Each provider owns
// its client so several keys can coexist in one process.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	if config.Tolerance <= 0 {
		config.Tolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{config: config, api: client.New(config.SecretKey, nil)}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// CreateCheckoutSession creates a subscription-mode Checkout session. The
// price id travels in metadata so the completion event can resolve the plan.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:                    stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:              stripe.String(req.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:               stripe.String(req.CancelURL),
		AllowPromotionCodes:     stripe.Bool(true),
		PaymentMethodCollection: stripe.String(string(stripe.CheckoutSessionPaymentMethodCollectionIfRequired)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("priceId", req.PriceID)

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.ID, s.URL, nil
}

// CreatePortalSession creates a customer portal session.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return s.URL, nil
}

// CancelSubscription cancels a subscription immediately, without proration.
// A subscription Stripe no longer knows is treated as already canceled.
func (p *StripeProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	if providerSubscriptionID == "" {
		return fmt.Errorf("cancel subscription: empty id")
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	_, err := p.api.Subscriptions.Cancel(providerSubscriptionID, params)
	var se *stripe.Error
	if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", providerSubscriptionID, err)
	}
	return nil
}

// ParseEvent verifies the Stripe-Signature header and decodes the event.
// Event types tokengate does not act on are returned with only ID and Type set.
func (p *StripeProvider) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.config.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return billing.Event{}, fmt.Errorf("%w: %v", access.ErrInvalidEvent, err)
	}

	out := billing.Event{ID: evt.ID, Type: billing.EventType(evt.Type)}
	if !out.Type.Handled() {
		return out, nil
	}
	if evt.Data == nil {
		return billing.Event{}, fmt.Errorf("%w: %s has no data", access.ErrInvalidEvent, evt.Type)
	}

	switch out.Type {
	case billing.EventCheckoutCompleted:
		err = decodeCheckout(evt.Data.Raw, &out)
	case billing.EventPaymentFailed:
		err = decodeInvoice(evt.Data.Raw, &out)
	default:
		err = decodeSubscription(evt.Data.Raw, &out)
	}
	if err != nil {
		return billing.Event{}, fmt.Errorf("%w: %v", access.ErrInvalidEvent, err)
	}
	if err := out.Validate(); err != nil {
		return billing.Event{}, fmt.Errorf("%w: %v", access.ErrInvalidEvent, err)
	}
	return out, nil
}

func decodeCheckout(raw json.RawMessage, out *billing.Event) error {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	out.Email = s.CustomerEmail
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.Email = s.CustomerDetails.Email
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
		if s.Subscription.CurrentPeriodEnd > 0 {
			out.PeriodEnd = time.Unix(s.Subscription.CurrentPeriodEnd, 0).UTC()
		}
	}
	out.PriceID = s.Metadata["priceId"]
	out.Status = account.StatusActive
	return nil
}

func decodeSubscription(raw json.RawMessage, out *billing.Event) error {
	var s stripe.Subscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	out.SubscriptionID = s.ID
	out.Status = account.ParseStatus(string(s.Status))
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CurrentPeriodEnd > 0 {
		out.PeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		out.PriceID = s.Items.Data[0].Price.ID
	}
	return nil
}

func decodeInvoice(raw json.RawMessage, out *billing.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	out.Status = account.StatusPastDue
	return nil
}

// Ensure interface compliance.
var _ ports.BillingProvider = (*StripeProvider)(nil)
