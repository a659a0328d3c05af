package memory

import (
	"context"
	"sync/atomic"

	"github.com/velariq/tokengate/ports"
)

// KillSwitch is a process-local kill switch.
type KillSwitch struct {
	engaged atomic.Bool
}

// NewKillSwitch creates a disengaged switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

func (k *KillSwitch) Engaged(ctx context.Context) (bool, error) {
	return k.engaged.Load(), nil
}

func (k *KillSwitch) Set(ctx context.Context, engaged bool) error {
	k.engaged.Store(engaged)
	return nil
}

// Ensure interface compliance.
var _ ports.KillSwitch = (*KillSwitch)(nil)
