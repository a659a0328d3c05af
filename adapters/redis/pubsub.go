package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const invalidationChannel = "tokengate:cache-invalidate"

// Invalidations carries account invalidations between instances so each one
// can drop its in-process tier.
type Invalidations struct {
	rdb    goredis.UniversalClient
	logger zerolog.Logger
}

// NewInvalidations wraps a client.
func NewInvalidations(rdb goredis.UniversalClient, logger zerolog.Logger) *Invalidations {
	return &Invalidations{rdb: rdb, logger: logger}
}

// PublishInvalidation announces that accountID's cached decisions are stale.
func (i *Invalidations) PublishInvalidation(ctx context.Context, accountID string) error {
	if err := i.rdb.Publish(ctx, invalidationChannel, accountID).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe calls fn for every announced account id until ctx is done.
// It returns once the subscription is confirmed.
func (i *Invalidations) Subscribe(ctx context.Context, fn func(ctx context.Context, accountID string) error) error {
	sub := i.rdb.Subscribe(ctx, invalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe invalidations: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := fn(ctx, msg.Payload); err != nil {
					i.logger.Warn().Err(err).Str("account_id", msg.Payload).Msg("local invalidation failed")
				}
			}
		}
	}()
	return nil
}
