// Package idgen provides ID and API key generation implementations.
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/velariq/tokengate/ports"
)

// DefaultKeyPrefix marks keys issued by this service.
const DefaultKeyPrefix = "viq_"

// UUID generates UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}

// APIKeys issues opaque keys: a prefix followed by 32 hex characters of a
// random UUID.
type APIKeys struct {
	Prefix string
}

// NewKey returns a fresh key.
func (g APIKeys) NewKey() string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ensure interface compliance.
var _ ports.KeyGenerator = APIKeys{}

// Sequential generates sequential IDs and keys (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// NewKey generates the next sequential key.
func (s *Sequential) NewKey() string {
	return s.New()
}

// Reset resets the counter (for testing).
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

// Ensure interface compliance.
var (
	_ ports.IDGenerator  = (*Sequential)(nil)
	_ ports.KeyGenerator = (*Sequential)(nil)
)
