// Package billing provides the normalized billing lifecycle events that drive
// subscription synchronization.
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/velariq/tokengate/domain/account"
)

// EventType is the provider event name.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventPaymentFailed       EventType = "invoice.payment_failed"
)

// Handled reports whether Subscription Sync acts on the event type.
func (t EventType) Handled() bool {
	switch t {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionDeleted, EventPaymentFailed:
		return true
	}
	return false
}

// Event is a verified, provider-neutral lifecycle event (value type).
// Fields not carried by a given event type are zero.
type Event struct {
	ID   string
	Type EventType

	// Checkout
	Email      string
	CustomerID string
	PriceID    string

	// Subscription
	SubscriptionID string
	Status         account.Status
	PeriodEnd      time.Time
}

// Validate checks that the event carries the fields its type needs.
func (e Event) Validate() error {
	switch e.Type {
	case EventCheckoutCompleted:
		if strings.TrimSpace(e.Email) == "" {
			return fmt.Errorf("%s: missing customer email", e.Type)
		}
		if e.SubscriptionID == "" {
			return fmt.Errorf("%s: missing subscription id", e.Type)
		}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventPaymentFailed:
		if e.SubscriptionID == "" {
			return fmt.Errorf("%s: missing subscription id", e.Type)
		}
	}
	return nil
}

// TargetStatus returns the status a status-only event moves its subscription to.
// This is a PURE function.
func (e Event) TargetStatus() account.Status {
	switch e.Type {
	case EventSubscriptionDeleted:
		return account.StatusCanceled
	case EventPaymentFailed:
		return account.StatusPastDue
	case EventCheckoutCompleted:
		return account.StatusActive
	}
	if e.Status == "" {
		return account.StatusActive
	}
	return e.Status
}

// PeriodEndOr returns the event's period end, or fallback when absent.
func (e Event) PeriodEndOr(fallback time.Time) time.Time {
	if e.PeriodEnd.IsZero() {
		return fallback
	}
	return e.PeriodEnd
}

// NormalizeEmail lowercases and trims an address for use as natural identity.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
