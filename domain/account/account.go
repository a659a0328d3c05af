// Package account provides the ledger's account and subscription value types.
package account

import (
	"strings"
	"time"
)

// Status represents the billing provider's view of a subscription.
type Status string

const (
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusTrialing   Status = "trialing"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
	StatusPaused     Status = "paused"
)

// ParseStatus normalizes a provider status string. Unrecognized values are
// kept verbatim so they are stored but never authorize.
func ParseStatus(s string) Status {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "cancelled", "deleted":
		return StatusCanceled
	case "incomplete_expired":
		return StatusCanceled
	default:
		return Status(v)
	}
}

// Authorizes reports whether the status grants API access.
// Only active subscriptions do.
func (s Status) Authorizes() bool {
	return s == StatusActive
}

// Account is the metered identity (value type).
type Account struct {
	ID              string
	APIKey          string
	Email           string
	TokensAllocated int64
	TokensUsed      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns unspent tokens, never negative.
func (a Account) Remaining() int64 {
	if a.TokensUsed >= a.TokensAllocated {
		return 0
	}
	return a.TokensAllocated - a.TokensUsed
}

// Subscription links an account to a billing provider subscription (value type).
type Subscription struct {
	ID               string
	AccountID        string
	ProviderID       string // provider subscription id, unique
	ProviderCustomer string
	PlanID           string
	Status           Status
	CurrentPeriodEnd time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActive returns true if the subscription currently authorizes requests.
func (s Subscription) IsActive() bool {
	return s.Status.Authorizes()
}

// Authorized is the join of an account with its active subscription.
// It is what the authorize path reads from the ledger.
type Authorized struct {
	Account      Account
	Subscription Subscription
}
