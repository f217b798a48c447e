package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired means another owner currently holds the lock.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLeaseLost means the lease expired or was taken over before refresh/release.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Locker grants exclusive, expiring ownership of a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	IsHeld(ctx context.Context, key string) (bool, error)
}

// Lease is a held lock. Refresh must be called before the ttl elapses.
type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

func CampaignKey(campaignID string) string {
	return "campaign:lock:" + campaignID
}
