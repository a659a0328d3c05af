package http

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestBurstLimiter_AllowsBurstThenThrottles(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	l := NewBurstLimiter(10)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !l.Allow("192.0.2.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("192.0.2.1") {
		t.Error("11th request within the minute should be throttled")
	}
	if !l.Allow("192.0.2.2") {
		t.Error("another IP has its own bucket")
	}

	// One token refills every 6 seconds
	now = now.Add(7 * time.Second)
	if !l.Allow("192.0.2.1") {
		t.Error("refilled token should be available")
	}
	if l.Allow("192.0.2.1") {
		t.Error("only one token should have refilled")
	}
}

func TestBurstLimiter_Cleanup(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	l := NewBurstLimiter(100)
	l.now = func() time.Time { return now }

	l.Allow("192.0.2.1")
	now = now.Add(2 * time.Minute)
	l.Allow("192.0.2.2")

	now = now.Add(2 * time.Minute)
	if removed := l.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestNewBurstLimiter_NonPositive(t *testing.T) {
	l := NewBurstLimiter(0)
	if !l.Allow("192.0.2.1") {
		t.Error("first request should pass")
	}
	if l.Allow("192.0.2.1") {
		t.Error("second request should be throttled")
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"x-api-key", "X-API-Key", "viq_abc", "viq_abc"},
		{"bearer", "Authorization", "Bearer viq_abc", "viq_abc"},
		{"basic ignored", "Authorization", "Basic dXNlcjpwYXNz", ""},
		{"none", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/dashboard", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if got := extractAPIKey(req); got != tt.want {
				t.Errorf("extractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:52100"
	if got := clientIP(req); got != "203.0.113.7" {
		t.Errorf("clientIP = %q", got)
	}

	req.RemoteAddr = "203.0.113.7"
	if got := clientIP(req); got != "203.0.113.7" {
		t.Errorf("clientIP without port = %q", got)
	}
}
