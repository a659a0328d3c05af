// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/domain/usage"
)

// Store errors shared by every ledger implementation.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// KeyGenerator issues new opaque API keys.
type KeyGenerator interface {
	NewKey() string
}

// -----------------------------------------------------------------------------
// Ledger Store
// -----------------------------------------------------------------------------

// LedgerStore is the durable source of truth for accounts, subscriptions and
// token consumption.
type LedgerStore interface {
	// GetAuthorizedAccount joins the account owning apiKey with its active
	// subscription. Returns ErrNotFound when the key is unknown or the
	// subscription is not active.
	GetAuthorizedAccount(ctx context.Context, apiKey string) (account.Authorized, error)

	// GetAccount returns an account by id.
	GetAccount(ctx context.Context, id string) (account.Account, error)

	// GetAccountByEmail returns an account by its natural identity.
	GetAccountByEmail(ctx context.Context, email string) (account.Account, error)

	// UpsertAccount inserts or updates the account keyed by email, setting key
	// and allocation in place. The returned account carries its stable id.
	UpsertAccount(ctx context.Context, a account.Account) (account.Account, error)

	// UpsertSubscription inserts or updates the subscription keyed by provider id.
	UpsertSubscription(ctx context.Context, s account.Subscription) (account.Subscription, error)

	// GetSubscription returns a subscription by provider id.
	GetSubscription(ctx context.Context, providerID string) (account.Subscription, error)

	// GetSubscriptionByAccount returns the subscription linked to an account.
	GetSubscriptionByAccount(ctx context.Context, accountID string) (account.Subscription, error)

	// UpdateSubscriptionStatus sets status (and plan/period end when non-zero)
	// for the subscription with the given provider id. Returns ErrNotFound for
	// unknown ids.
	UpdateSubscriptionStatus(ctx context.Context, s account.Subscription) (account.Subscription, error)

	// IncrementUsage atomically adds tokens to tokens_used and returns the new total.
	IncrementUsage(ctx context.Context, accountID string, tokens int64, at time.Time) (int64, error)

	// AppendUsageLog appends an immutable usage record.
	AppendUsageLog(ctx context.Context, r usage.Record) error

	// ListUsage returns usage records for an account created at or after since.
	ListUsage(ctx context.Context, accountID string, since time.Time) ([]usage.Record, error)

	// ResetAllUsage sets tokens_used to zero for accounts with an active
	// subscription and returns the number of accounts reset.
	ResetAllUsage(ctx context.Context, at time.Time) (int64, error)

	// DeleteAccount removes the account with its subscriptions and usage log.
	// Returns ErrNotFound for unknown ids.
	DeleteAccount(ctx context.Context, id string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// -----------------------------------------------------------------------------
// Authorization Cache
// -----------------------------------------------------------------------------

// AuthCache holds disposable, time-bounded authorization decisions keyed by
// API key. Every implementation indexes entries by account id so that
// invalidation is precise. Implementations are best-effort: callers treat
// errors as misses.
type AuthCache interface {
	// Get returns the decision for key if present and unexpired.
	Get(ctx context.Context, key string) (access.Decision, bool, error)

	// Set stores a decision for key with the given TTL.
	Set(ctx context.Context, key string, d access.Decision, ttl time.Duration) error

	// Invalidate drops the entry for a single key.
	Invalidate(ctx context.Context, key string) error

	// InvalidateAccount drops every entry cached for the account.
	InvalidateAccount(ctx context.Context, accountID string) error

	// Flush drops every entry.
	Flush(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Abuse Counter
// -----------------------------------------------------------------------------

// AbuseStore backs the per-origin fixed-window counter.
type AbuseStore interface {
	// Increment adds one to the origin's counter and returns the new count and
	// window end. The expiry is armed only when the counter is created, as a
	// single atomic step, so concurrent first requests cannot re-arm it.
	Increment(ctx context.Context, origin string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// KillSwitch is a global flag that suspends all metered traffic.
type KillSwitch interface {
	Engaged(ctx context.Context) (bool, error)
	Set(ctx context.Context, engaged bool) error
}

// -----------------------------------------------------------------------------
// Billing Provider
// -----------------------------------------------------------------------------

// CheckoutRequest describes a checkout session to create.
type CheckoutRequest struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// BillingProvider is the external payment system.
type BillingProvider interface {
	// Name returns the provider identifier.
	Name() string

	// ParseEvent verifies signature over payload and decodes the event.
	// Verification failures wrap access.ErrInvalidEvent.
	ParseEvent(payload []byte, signature string) (billing.Event, error)

	// CreateCheckoutSession returns a URL for hosted checkout.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (sessionID, url string, err error)

	// CreatePortalSession returns a URL to the customer billing portal.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// CancelSubscription cancels the provider subscription immediately.
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
}

// KeyNotifier delivers a newly issued API key to its owner.
type KeyNotifier interface {
	KeyIssued(ctx context.Context, email, apiKey string) error
}
