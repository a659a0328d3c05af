package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/domain/abuse"
	"github.com/velariq/tokengate/ports"
)

// abuseShard is a single shard of the abuse store.
type abuseShard struct {
	mu    sync.Mutex
	state map[string]abuse.Window
}

// AbuseStore is a sharded in-memory per-origin counter.
// Uses sharding to reduce lock contention for high throughput.
type AbuseStore struct {
	shards    []*abuseShard
	numShards int
	clock     ports.Clock
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// AbuseStoreConfig configures the sharded abuse store.
type AbuseStoreConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to drop expired windows (default: 5m)
	Clock           ports.Clock   // Defaults to the real clock
}

// NewAbuseStore creates a sharded in-memory abuse store.
func NewAbuseStore(cfg AbuseStoreConfig) *AbuseStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	s := &AbuseStore{
		shards:    make([]*abuseShard, cfg.NumShards),
		numShards: cfg.NumShards,
		clock:     cfg.Clock,
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &abuseShard{state: make(map[string]abuse.Window)}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *AbuseStore) getShard(origin string) *abuseShard {
	h := fnv.New32a()
	h.Write([]byte(origin))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Increment counts one request for origin under the shard lock, so the
// window is armed exactly once per expiry.
func (s *AbuseStore) Increment(ctx context.Context, origin string, window time.Duration) (int64, time.Time, error) {
	now := s.clock.Now()
	shard := s.getShard(origin)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	next := abuse.Increment(shard.state[origin], window, now)
	shard.state[origin] = next
	return next.Count, next.ExpiresAt, nil
}

func (s *AbuseStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *AbuseStore) doCleanup() {
	now := s.clock.Now()
	for _, shard := range s.shards {
		shard.mu.Lock()
		for origin, w := range shard.state {
			if w.Expired(now) {
				delete(shard.state, origin)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *AbuseStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the total number of tracked origins (for testing).
func (s *AbuseStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.state)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.AbuseStore = (*AbuseStore)(nil)
