package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/velariq/tokengate/ports"
)

// incrWithExpiry increments KEYS[1] and arms its expiry (ARGV[1] ms) only when
// the key was just created or carries no TTL. Returns {count, pttl}.
const incrWithExpiry = `
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// AbuseStore counts requests per origin in Redis so every instance shares
// one window.
type AbuseStore struct {
	rdb    goredis.UniversalClient
	script *goredis.Script
	clock  ports.Clock
}

// NewAbuseStore wraps a client. The clock converts remaining TTL into an
// absolute reset time.
func NewAbuseStore(rdb goredis.UniversalClient, clock ports.Clock) *AbuseStore {
	return &AbuseStore{
		rdb:    rdb,
		script: goredis.NewScript(incrWithExpiry),
		clock:  clock,
	}
}

func (s *AbuseStore) Increment(ctx context.Context, origin string, window time.Duration) (int64, time.Time, error) {
	res, err := s.script.Run(ctx, s.rdb, []string{abuseKey(origin)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("abuse increment: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("abuse increment: unexpected reply %v", res)
	}
	return res[0], s.clock.Now().Add(time.Duration(res[1]) * time.Millisecond), nil
}

// Ensure interface compliance.
var _ ports.AbuseStore = (*AbuseStore)(nil)
