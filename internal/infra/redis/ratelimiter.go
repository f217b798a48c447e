package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultCallsPerSec int64 = 10
	callWindow               = time.Second
	minSlotWait              = time.Millisecond
)

// reserveScript keeps one sorted set per trunk holding the call starts of the last
// window. It admits the call and returns 0 while the trunk is under its limit; otherwise
// it returns how many milliseconds remain until the oldest start leaves the window.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// TrunkLimits holds calls-per-second budgets. Every worker placing calls on the same SIP
// trunk draws from the same budget, whichever campaign the calls belong to.
type TrunkLimits struct {
	Default  int
	PerTrunk map[string]int
}

func (l TrunkLimits) limitFor(trunk string) int64 {
	if n, ok := l.PerTrunk[trunk]; ok && n > 0 {
		return int64(n)
	}
	if l.Default > 0 {
		return int64(l.Default)
	}
	return defaultCallsPerSec
}

// RedisRateLimiter is a sliding-window call-start limiter keyed by SIP trunk.
type RedisRateLimiter struct {
	client *goredis.Client
	limits TrunkLimits
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	newID  func() string
}

func NewRedisRateLimiter(client *goredis.Client, limits TrunkLimits) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	normalized := make(map[string]int, len(limits.PerTrunk))
	for trunk, n := range limits.PerTrunk {
		if n <= 0 {
			return nil, fmt.Errorf("calls per second for trunk %q must be positive", trunk)
		}
		normalized[normalizeTrunk(trunk)] = n
	}
	limits.PerTrunk = normalized

	return &RedisRateLimiter{
		client: client,
		limits: limits,
		now:    time.Now,
		sleep:  sleepWithContext,
		newID:  uuid.NewString,
	}, nil
}

// Allow admits one call start on trunk if the trunk has room in the current window.
func (r *RedisRateLimiter) Allow(ctx context.Context, trunk string) (bool, error) {
	wait, err := r.reserve(ctx, trunk)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until a call start on trunk is admitted. When ctx carries a deadline that
// ends before the next free slot, Wait returns ratelimit.ErrSlotUnavailable right away
// instead of sleeping into the deadline.
func (r *RedisRateLimiter) Wait(ctx context.Context, trunk string) error {
	for {
		wait, err := r.reserve(ctx, trunk)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return fmt.Errorf("%w: trunk %s has no free slot for %s", ratelimit.ErrSlotUnavailable, trunk, wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) reserve(ctx context.Context, trunk string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	key := normalizeTrunk(trunk)
	if key == "" {
		return 0, fmt.Errorf("trunk is required")
	}

	waitMillis, err := reserveScript.Run(ctx, r.client,
		[]string{"ratelimit:trunk:" + key},
		r.now().UnixMilli(),
		callWindow.Milliseconds(),
		r.limits.limitFor(key),
		r.newID(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve call slot: %w", err)
	}
	if waitMillis <= 0 {
		return 0, nil
	}

	return max(time.Duration(waitMillis)*time.Millisecond, minSlotWait), nil
}

func normalizeTrunk(trunk string) string {
	return strings.ToLower(strings.TrimSpace(trunk))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
