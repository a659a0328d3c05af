package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/ports"
)

// AuthCache stores decisions as JSON under apikey:<key> and keeps a set per
// account listing the keys cached for it.
type AuthCache struct {
	rdb goredis.UniversalClient
}

// NewAuthCache wraps a client.
func NewAuthCache(rdb goredis.UniversalClient) *AuthCache {
	return &AuthCache{rdb: rdb}
}

func (c *AuthCache) Get(ctx context.Context, key string) (access.Decision, bool, error) {
	raw, err := c.rdb.Get(ctx, apiKeyKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return access.Decision{}, false, nil
	}
	if err != nil {
		return access.Decision{}, false, fmt.Errorf("redis get: %w", err)
	}

	var d access.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return access.Decision{}, false, fmt.Errorf("decode cached decision: %w", err)
	}
	return d, true, nil
}

// Set writes the decision and its index entry in one transaction. The index
// TTL is refreshed to the newest entry's TTL so it always outlives members.
func (c *AuthCache) Set(ctx context.Context, key string, d access.Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, apiKeyKey(key), raw, ttl)
		if d.AccountID != "" {
			idx := accountIndexKey(d.AccountID)
			p.SAdd(ctx, idx, key)
			p.Expire(ctx, idx, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *AuthCache) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, apiKeyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// InvalidateAccount deletes every key listed in the account's index, then the index.
func (c *AuthCache) InvalidateAccount(ctx context.Context, accountID string) error {
	idx := accountIndexKey(accountID)
	members, err := c.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, apiKeyKey(m))
	}
	keys = append(keys, idx)

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Flush removes every cached decision and index. Only this cache's
// namespaces are scanned; other data in the same database is untouched.
func (c *AuthCache) Flush(ctx context.Context) error {
	for _, pattern := range []string{apiKeyPrefix + "*", accountIdxPrefix + "*"} {
		iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		batch := make([]string, 0, 500)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("redis del: %w", err)
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(batch) > 0 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
	}
	return nil
}

// Ensure interface compliance.
var _ ports.AuthCache = (*AuthCache)(nil)
