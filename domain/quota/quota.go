// Package quota provides pure functions for token quota enforcement.
// All functions are deterministic with no side effects.
package quota

import (
	"fmt"
	"time"
)

// WarningLevel indicates how close to or over quota the account is.
type WarningLevel int

const (
	WarningNone        WarningLevel = iota // < 80%
	WarningApproaching                     // >= 80%
	WarningCritical                        // >= 95%
	WarningExceeded                        // >= 100%
)

// CheckResult represents the outcome of a quota check (value type).
type CheckResult struct {
	Allowed      bool
	Used         int64
	Limit        int64
	Remaining    int64
	PercentUsed  float64
	WarningLevel WarningLevel
	ResetAt      time.Time
	Reason       string
}

// Check compares consumed tokens with the allocation.
// An account is denied once used >= allocated; a zero allocation always denies.
// This is a PURE function - no side effects.
func Check(used, allocated int64, resetAt time.Time) CheckResult {
	result := CheckResult{
		Used:    used,
		Limit:   allocated,
		ResetAt: resetAt,
		Allowed: used < allocated,
	}
	if result.Allowed {
		result.Remaining = allocated - used
	} else {
		result.Reason = "quota_exceeded"
	}

	if allocated > 0 {
		result.PercentUsed = float64(used) / float64(allocated) * 100
	}

	switch {
	case !result.Allowed:
		result.WarningLevel = WarningExceeded
	case result.PercentUsed >= 95:
		result.WarningLevel = WarningCritical
	case result.PercentUsed >= 80:
		result.WarningLevel = WarningApproaching
	default:
		result.WarningLevel = WarningNone
	}

	return result
}

// PeriodBounds returns the start and end of the calendar month containing t.
// This is a PURE function.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return
}

// FailurePolicy decides what the request path does when a charge cannot be
// recorded because the ledger is unavailable.
type FailurePolicy string

const (
	FailClosed       FailurePolicy = "fail_closed"
	FailOpen         FailurePolicy = "fail_open"
	FailClosedAtEdge FailurePolicy = "fail_closed_at_edge"
)

// ParseFailurePolicy validates a configured policy name.
// An empty name selects FailClosedAtEdge.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case "":
		return FailClosedAtEdge, nil
	case FailClosed, FailOpen, FailClosedAtEdge:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// ShouldFailClosed reports whether an unrecordable charge of cost tokens must
// fail the request, given the remaining tokens last observed for the account.
// This is a PURE function.
func ShouldFailClosed(p FailurePolicy, remaining, cost int64) bool {
	switch p {
	case FailOpen:
		return false
	case FailClosed:
		return true
	default:
		return remaining <= cost
	}
}

// String returns the string representation of a warning level.
func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningApproaching:
		return "approaching"
	case WarningCritical:
		return "critical"
	case WarningExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}
