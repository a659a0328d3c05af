package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/velariq/tokengate/ports"
)

// KillSwitch reads the shared global:killswitch flag.
type KillSwitch struct {
	rdb goredis.UniversalClient
}

// NewKillSwitch wraps a client.
func NewKillSwitch(rdb goredis.UniversalClient) *KillSwitch {
	return &KillSwitch{rdb: rdb}
}

// Engaged reports whether the flag is set to a truthy value.
func (k *KillSwitch) Engaged(ctx context.Context) (bool, error) {
	v, err := k.rdb.Get(ctx, killSwitchKey).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("killswitch get: %w", err)
	}
	return v == "1" || v == "true", nil
}

func (k *KillSwitch) Set(ctx context.Context, engaged bool) error {
	var err error
	if engaged {
		err = k.rdb.Set(ctx, killSwitchKey, "1", 0).Err()
	} else {
		err = k.rdb.Del(ctx, killSwitchKey).Err()
	}
	if err != nil {
		return fmt.Errorf("killswitch set: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.KillSwitch = (*KillSwitch)(nil)
