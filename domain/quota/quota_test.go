package quota

import (
	"testing"
	"time"
)

var resetAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

// -----------------------------------------------------------------------------
// Check function tests
// -----------------------------------------------------------------------------

func TestCheck_UnderQuota(t *testing.T) {
	result := Check(400, 1000, resetAt)

	if !result.Allowed {
		t.Fatal("expected Allowed=true")
	}
	if result.Remaining != 600 {
		t.Errorf("expected Remaining=600, got %d", result.Remaining)
	}
	if result.PercentUsed != 40 {
		t.Errorf("expected PercentUsed=40, got %v", result.PercentUsed)
	}
	if result.WarningLevel != WarningNone {
		t.Errorf("expected WarningNone, got %v", result.WarningLevel)
	}
	if result.Reason != "" {
		t.Errorf("expected empty reason, got %q", result.Reason)
	}
}

func TestCheck_ExactlyAtQuota(t *testing.T) {
	result := Check(100000, 100000, resetAt)

	if result.Allowed {
		t.Fatal("used == allocated must deny")
	}
	if result.Reason != "quota_exceeded" {
		t.Errorf("expected reason quota_exceeded, got %q", result.Reason)
	}
	if result.Remaining != 0 {
		t.Errorf("expected Remaining=0, got %d", result.Remaining)
	}
	if !result.ResetAt.Equal(resetAt) {
		t.Errorf("expected ResetAt=%v, got %v", resetAt, result.ResetAt)
	}
}

func TestCheck_Overshoot(t *testing.T) {
	result := Check(100050, 100000, resetAt)

	if result.Allowed {
		t.Fatal("overshoot must deny")
	}
	if result.Used != 100050 || result.Limit != 100000 {
		t.Errorf("unexpected used/limit: %d/%d", result.Used, result.Limit)
	}
	if result.WarningLevel != WarningExceeded {
		t.Errorf("expected WarningExceeded, got %v", result.WarningLevel)
	}
}

func TestCheck_ZeroAllocation(t *testing.T) {
	result := Check(0, 0, resetAt)

	if result.Allowed {
		t.Error("zero allocation must deny")
	}
	if result.PercentUsed != 0 {
		t.Errorf("expected PercentUsed=0, got %v", result.PercentUsed)
	}
}

func TestCheck_WarningLevels(t *testing.T) {
	tests := []struct {
		used int64
		want WarningLevel
	}{
		{0, WarningNone},
		{79, WarningNone},
		{80, WarningApproaching},
		{94, WarningApproaching},
		{95, WarningCritical},
		{99, WarningCritical},
		{100, WarningExceeded},
	}

	for _, tt := range tests {
		if got := Check(tt.used, 100, resetAt).WarningLevel; got != tt.want {
			t.Errorf("Check(%d, 100).WarningLevel = %v, want %v", tt.used, got, tt.want)
		}
	}
}

// -----------------------------------------------------------------------------
// PeriodBounds tests
// -----------------------------------------------------------------------------

func TestPeriodBounds(t *testing.T) {
	start, end := PeriodBounds(time.Date(2024, 2, 15, 13, 4, 5, 0, time.UTC))

	if want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond); !end.Equal(want) {
		t.Errorf("end = %v, want %v", end, want)
	}
}

func TestPeriodBounds_December(t *testing.T) {
	_, end := PeriodBounds(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC))
	if end.Year() != 2024 || end.Month() != time.December || end.Day() != 31 {
		t.Errorf("unexpected end for December: %v", end)
	}
}

// -----------------------------------------------------------------------------
// Failure policy tests
// -----------------------------------------------------------------------------

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailClosedAtEdge, false},
		{"fail_closed", FailClosed, false},
		{"fail_open", FailOpen, false},
		{"fail_closed_at_edge", FailClosedAtEdge, false},
		{"retry", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShouldFailClosed(t *testing.T) {
	tests := []struct {
		name      string
		policy    FailurePolicy
		remaining int64
		cost      int64
		want      bool
	}{
		{"open never fails", FailOpen, 0, 100, false},
		{"closed always fails", FailClosed, 1_000_000, 1, true},
		{"edge with headroom proceeds", FailClosedAtEdge, 5000, 100, false},
		{"edge exactly at cost fails", FailClosedAtEdge, 100, 100, true},
		{"edge below cost fails", FailClosedAtEdge, 50, 100, true},
		{"unknown policy behaves like edge", FailurePolicy("x"), 50, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldFailClosed(tt.policy, tt.remaining, tt.cost); got != tt.want {
				t.Errorf("ShouldFailClosed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWarningLevel_String(t *testing.T) {
	if WarningCritical.String() != "critical" {
		t.Errorf("got %q", WarningCritical.String())
	}
	if WarningLevel(42).String() != "unknown" {
		t.Errorf("got %q", WarningLevel(42).String())
	}
}
