package ratelimit

import (
	"context"
	"errors"
)

// ErrSlotUnavailable means no call slot frees up before the caller's deadline.
var ErrSlotUnavailable = errors.New("no call slot before deadline")

// RateLimiter controls call placement throughput per SIP trunk.
type RateLimiter interface {
	Allow(ctx context.Context, trunk string) (bool, error)
	Wait(ctx context.Context, trunk string) error
}
