package email

import (
	"context"
	"fmt"
	"sync"

	"github.com/velariq/tokengate/ports"
)

// MockNotifier is a key notifier for testing.
// It stores issued keys in memory instead of sending them.
type MockNotifier struct {
	mu     sync.Mutex
	issued []IssuedKey

	// Optional: fail if set
	ShouldFail bool
	FailError  error
}

// IssuedKey is one recorded notification.
type IssuedKey struct {
	Email  string
	APIKey string
}

// NewMockNotifier creates a new mock notifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) KeyIssued(ctx context.Context, email, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		if m.FailError != nil {
			return m.FailError
		}
		return fmt.Errorf("mock notify failure")
	}
	m.issued = append(m.issued, IssuedKey{Email: email, APIKey: apiKey})
	return nil
}

// Issued returns all recorded notifications.
func (m *MockNotifier) Issued() []IssuedKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]IssuedKey, len(m.issued))
	copy(result, m.issued)
	return result
}

// Last returns the most recent notification.
func (m *MockNotifier) Last() (IssuedKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.issued) == 0 {
		return IssuedKey{}, false
	}
	return m.issued[len(m.issued)-1], true
}

// Count returns the number of notifications.
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

// SetShouldFail configures the mock to fail on every notification.
func (m *MockNotifier) SetShouldFail(fail bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
	m.FailError = err
}

// Ensure interface compliance.
var _ ports.KeyNotifier = (*MockNotifier)(nil)
