package locks

import (
	"context"
	"time"
)

// Store hands out short-lived exclusive leases keyed by resource name.
// A lease belongs to the store instance that acquired it; other instances
// can neither renew nor release it until it expires.
type Store interface {
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}
