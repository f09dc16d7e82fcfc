package ports

import (
	"context"
	"time"
)

// UnlockFunc releases a lock obtained from a DistributedLocker. Releasing a
// lock that already expired, or that another holder has since taken, is a no-op.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serializes work on one key across processes. The lease
// manager locks a workflow ID for the length of a run started by Start or Resume so two engines
// sharing a checkpoint store never drive the same workflow.
type DistributedLocker interface {
	// Lock blocks until key is held or ctx ends. The lock lapses on its own
	// after ttl, so a crashed holder cannot wedge the key.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
