// Package redis provides Redis-backed authorization cache, abuse counter and
// kill switch implementations.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Key namespaces.
const (
	apiKeyPrefix     = "apikey:"
	accountIdxPrefix = "apikey-account:"
	abusePrefix      = "abuse:"
	killSwitchKey    = "global:killswitch"
)

// Options configures the client.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

// Open connects to Redis and verifies connectivity. Short timeouts keep a
// slow Redis from stalling the request path; callers treat failures as misses.
func Open(ctx context.Context, opts Options) (*goredis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 500 * time.Millisecond
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 200 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 200 * time.Millisecond
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 50
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		PoolTimeout:  5 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func apiKeyKey(key string) string      { return apiKeyPrefix + key }
func accountIndexKey(id string) string { return accountIdxPrefix + id }
func abuseKey(origin string) string    { return abusePrefix + origin }
