// Package abuse provides the fixed-window counter that throttles callers by
// origin. All functions are deterministic - same input always produces same output.
package abuse

import "time"

// Defaults for the per-origin window.
const (
	DefaultThreshold = 1000
	DefaultWindow    = time.Hour
)

// Window is the counter state for one origin (value type).
// The window is anchored at the first increment and never re-armed by later ones.
type Window struct {
	Count     int64
	ExpiresAt time.Time
}

// Config holds the abuse threshold settings (value type).
type Config struct {
	Threshold int64         // Requests allowed per window
	Window    time.Duration // Window length from the first request
}

// CheckResult represents the outcome of recording one request (value type).
type CheckResult struct {
	Allowed bool
	Count   int64
	ResetAt time.Time
}

// Expired reports whether the window no longer applies at now.
func (w Window) Expired(now time.Time) bool {
	return w.ExpiresAt.IsZero() || !now.Before(w.ExpiresAt)
}

// Increment counts one request. A missing or expired window is replaced by a
// fresh one expiring exactly cfg.Window after now; a live window keeps its expiry.
// This is a PURE function.
func Increment(state Window, window time.Duration, now time.Time) Window {
	if state.Expired(now) {
		return Window{Count: 1, ExpiresAt: now.Add(window)}
	}
	state.Count++
	return state
}

// Allowed reports whether count is within the threshold.
// The request that pushes the count past the threshold is the first one blocked.
func Allowed(count, threshold int64) bool {
	return count <= threshold
}

// Check records one request and evaluates it against cfg.
// This is a PURE function.
//
// Returns:
//   - result: whether the request is allowed and when the window resets
//   - newState: updated state (caller must persist)
func Check(state Window, cfg Config, now time.Time) (CheckResult, Window) {
	next := Increment(state, cfg.Window, now)
	return CheckResult{
		Allowed: Allowed(next.Count, cfg.Threshold),
		Count:   next.Count,
		ResetAt: next.ExpiresAt,
	}, next
}

// WithDefaults fills zero fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}
