package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velariq/tokengate/adapters/cache"
	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/adapters/memory"
	"github.com/velariq/tokengate/domain/access"
)

var now = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestLocal_SetGetInvalidate(t *testing.T) {
	l, err := cache.NewLocal(cache.LocalConfig{MaxEntries: 1000})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	d := access.Decision{AccountID: "acc_1", Allowed: true, TokensAllocated: 100}
	require.NoError(t, l.Set(ctx, "viq_a", d, time.Minute))
	require.NoError(t, l.Set(ctx, "viq_b", access.Decision{AccountID: "acc_2"}, time.Minute))

	got, ok, err := l.Get(ctx, "viq_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d, got)

	require.NoError(t, l.InvalidateAccount(ctx, "acc_1"))
	_, ok, _ = l.Get(ctx, "viq_a")
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, "viq_b")
	assert.True(t, ok)

	require.NoError(t, l.Flush(ctx))
	_, ok, _ = l.Get(ctx, "viq_b")
	assert.False(t, ok)
}

func TestLocal_ZeroTTLIsNotStored(t *testing.T) {
	l, err := cache.NewLocal(cache.LocalConfig{})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "viq_a", access.Decision{AccountID: "acc_1"}, 0))
	_, ok, _ := l.Get(ctx, "viq_a")
	assert.False(t, ok)
}

func TestLocal_InvalidateUnindexes(t *testing.T) {
	l, err := cache.NewLocal(cache.LocalConfig{MaxEntries: 1000})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "viq_a", access.Decision{AccountID: "acc_1"}, time.Minute))
	require.NoError(t, l.Set(ctx, "viq_b", access.Decision{AccountID: "acc_1"}, time.Minute))
	require.Equal(t, 2, l.Indexed("acc_1"))

	require.NoError(t, l.Invalidate(ctx, "viq_a"))
	assert.Equal(t, 1, l.Indexed("acc_1"))
	_, ok, _ := l.Get(ctx, "viq_a")
	assert.False(t, ok)

	require.NoError(t, l.Invalidate(ctx, "viq_b"))
	assert.Zero(t, l.Indexed("acc_1"))
}

func TestLocal_ReassignedKeyMovesIndex(t *testing.T) {
	l, err := cache.NewLocal(cache.LocalConfig{MaxEntries: 1000})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "viq_a", access.Decision{AccountID: "acc_1"}, time.Minute))
	require.NoError(t, l.Set(ctx, "viq_a", access.Decision{AccountID: "acc_2"}, time.Minute))
	assert.Zero(t, l.Indexed("acc_1"))
	assert.Equal(t, 1, l.Indexed("acc_2"))

	require.NoError(t, l.InvalidateAccount(ctx, "acc_1"))
	_, ok, _ := l.Get(ctx, "viq_a")
	assert.True(t, ok, "invalidating the old owner must not drop the key")
}

func TestLocal_ConcurrentSetAndInvalidateAccount(t *testing.T) {
	l, err := cache.NewLocal(cache.LocalConfig{MaxEntries: 10000})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		key := fmt.Sprintf("viq_%d", i)
		go func() {
			defer wg.Done()
			_ = l.Set(ctx, key, access.Decision{AccountID: "acc_1"}, time.Minute)
		}()
		go func() {
			defer wg.Done()
			_ = l.InvalidateAccount(ctx, "acc_1")
		}()
	}
	wg.Wait()

	// Whatever survived the race is still reachable through the index.
	require.NoError(t, l.InvalidateAccount(ctx, "acc_1"))
	for i := 0; i < 50; i++ {
		_, ok, _ := l.Get(ctx, fmt.Sprintf("viq_%d", i))
		assert.False(t, ok, "viq_%d survived account invalidation", i)
	}
}

type recordingBroadcaster struct {
	ids []string
}

func (r *recordingBroadcaster) PublishInvalidation(ctx context.Context, accountID string) error {
	r.ids = append(r.ids, accountID)
	return nil
}

func newTiered(fc *clock.Fake, b cache.Broadcaster) (*cache.Tiered, *memory.AuthCache, *memory.AuthCache) {
	l1 := memory.NewAuthCache(fc)
	l2 := memory.NewAuthCache(fc)
	return cache.NewTiered(l1, l2, cache.TieredConfig{
		L1TTL: 30 * time.Second, MaxAge: 5 * time.Minute, Clock: fc, Broadcaster: b,
	}), l1, l2
}

func TestTiered_PromotesFromL2(t *testing.T) {
	fc := clock.NewFake(now)
	tc, l1, l2 := newTiered(fc, nil)
	ctx := context.Background()

	d := access.Decision{AccountID: "acc_1", Allowed: true, IssuedAt: now}
	require.NoError(t, l2.Set(ctx, "viq_a", d, 5*time.Minute))

	got, ok, err := tc.Get(ctx, "viq_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acc_1", got.AccountID)

	_, ok, _ = l1.Get(ctx, "viq_a")
	assert.True(t, ok, "L2 hit should populate L1")
}

func TestTiered_PromotionNeverOutlivesMaxAge(t *testing.T) {
	fc := clock.NewFake(now)
	tc, l1, l2 := newTiered(fc, nil)
	ctx := context.Background()

	d := access.Decision{AccountID: "acc_1", IssuedAt: now}
	require.NoError(t, l2.Set(ctx, "viq_a", d, time.Hour))

	fc.Advance(4*time.Minute + 50*time.Second)
	_, ok, _ := tc.Get(ctx, "viq_a")
	require.True(t, ok)

	fc.Advance(11 * time.Second)
	_, ok, _ = l1.Get(ctx, "viq_a")
	assert.False(t, ok, "promoted entry must expire at IssuedAt+MaxAge")

	_, ok, _ = tc.Get(ctx, "viq_a")
	assert.False(t, ok, "stale L2 entry must be treated as a miss")
}

func TestTiered_SetCapsL1TTL(t *testing.T) {
	fc := clock.NewFake(now)
	tc, l1, l2 := newTiered(fc, nil)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "viq_a", access.Decision{AccountID: "acc_1", IssuedAt: now}, 5*time.Minute))

	fc.Advance(31 * time.Second)
	_, ok, _ := l1.Get(ctx, "viq_a")
	assert.False(t, ok)
	_, ok, _ = l2.Get(ctx, "viq_a")
	assert.True(t, ok)
}

func TestTiered_InvalidateAccountBroadcasts(t *testing.T) {
	fc := clock.NewFake(now)
	b := &recordingBroadcaster{}
	tc, l1, l2 := newTiered(fc, b)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "viq_a", access.Decision{AccountID: "acc_1", IssuedAt: now}, time.Minute))
	require.NoError(t, tc.InvalidateAccount(ctx, "acc_1"))

	_, ok1, _ := l1.Get(ctx, "viq_a")
	_, ok2, _ := l2.Get(ctx, "viq_a")
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, []string{"acc_1"}, b.ids)

	require.NoError(t, tc.Flush(ctx))
	assert.Equal(t, []string{"acc_1", cache.FlushAll}, b.ids)
}

func TestTiered_InvalidateLocal(t *testing.T) {
	fc := clock.NewFake(now)
	tc, l1, l2 := newTiered(fc, nil)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "viq_a", access.Decision{AccountID: "acc_1", IssuedAt: now}, time.Minute))
	require.NoError(t, tc.InvalidateLocal(ctx, "acc_1"))

	_, ok, _ := l1.Get(ctx, "viq_a")
	assert.False(t, ok)
	_, ok, _ = l2.Get(ctx, "viq_a")
	assert.True(t, ok, "shared tier is left to the publisher")

	require.NoError(t, tc.Set(ctx, "viq_b", access.Decision{AccountID: "acc_2", IssuedAt: now}, time.Minute))
	require.NoError(t, tc.InvalidateLocal(ctx, cache.FlushAll))
	assert.Equal(t, 0, l1.Len())
}

type failingCache struct{ memory.AuthCache }

func (*failingCache) Get(context.Context, string) (access.Decision, bool, error) {
	return access.Decision{}, false, errors.New("redis down")
}

func TestTiered_L2ErrorSurfaces(t *testing.T) {
	fc := clock.NewFake(now)
	tc := cache.NewTiered(memory.NewAuthCache(fc), &failingCache{}, cache.TieredConfig{Clock: fc})

	_, ok, err := tc.Get(context.Background(), "viq_a")
	assert.False(t, ok)
	assert.Error(t, err)
}
