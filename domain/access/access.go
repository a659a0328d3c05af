// Package access defines the authorization decision produced for an API key
// and the errors the request path can observe while obtaining or spending it.
package access

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Callers match with errors.Is.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidEvent        = errors.New("invalid billing event")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrInvalidCharge       = errors.New("invalid charge")
	ErrNotConfirmed        = errors.New("deletion not confirmed")
)

// Reasons attached to decisions and denials.
const (
	ReasonAllowed           = "allowed"
	ReasonMissingKey        = "missing_api_key"
	ReasonInvalidKey        = "invalid_key_or_inactive_subscription"
	ReasonQuotaExceeded     = "quota_exceeded"
	ReasonInsufficientQuota = "insufficient_tokens"
)

// QuotaError reports an exhausted quota with enough detail for the caller to
// self-serve. It unwraps to ErrQuotaExceeded.
type QuotaError struct {
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: used %d of %d, resets %s",
		e.Used, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Decision is a point-in-time snapshot of an account and its active
// subscription (value type). It is what the authorization cache stores.
type Decision struct {
	AccountID       string    `json:"account_id"`
	Email           string    `json:"email"`
	PlanID          string    `json:"plan_id"`
	TokensAllocated int64     `json:"tokens_allocated"`
	TokensUsed      int64     `json:"tokens_used"`
	PeriodEnd       time.Time `json:"period_end"`
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	IssuedAt        time.Time `json:"issued_at"`
}

// Remaining returns the unspent tokens in the snapshot, never negative.
func (d Decision) Remaining() int64 {
	if d.TokensUsed >= d.TokensAllocated {
		return 0
	}
	return d.TokensAllocated - d.TokensUsed
}

// CanAfford reports whether the snapshot covers a charge of cost tokens.
// The check is advisory: concurrent charges may still overshoot by at most
// the sum of in-flight costs.
func (d Decision) CanAfford(cost int64) bool {
	return d.Allowed && d.TokensUsed+cost <= d.TokensAllocated
}

// PercentUsed returns consumption as a percentage of the allocation.
func (d Decision) PercentUsed() float64 {
	if d.TokensAllocated <= 0 {
		return 0
	}
	return float64(d.TokensUsed) / float64(d.TokensAllocated) * 100
}
