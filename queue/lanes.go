package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// LaneLocker grants one worker at a time a lane. TryLock by the current
// owner succeeds and extends the lock.
type LaneLocker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// KEYS[1] = lane key
// ARGV[1] = owner
// ARGV[2] = ttl milliseconds
var laneLockScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner and owner ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var laneUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLaneLocker keeps lane ownership in Redis so workers on different
// hosts never run the same lane together. Locks expire after ttl, so a
// crashed worker's lanes free up on their own.
type RedisLaneLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLaneLocker(client *redis.Client) *RedisLaneLocker {
	return &RedisLaneLocker{client: client, prefix: "dispatch_lane:"}
}

func (r *RedisLaneLocker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := laneLockScript.Run(ctx, r.client, []string{r.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock lane %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *RedisLaneLocker) Unlock(ctx context.Context, key, owner string) error {
	if err := laneUnlockScript.Run(ctx, r.client, []string{r.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("unlock lane %s: %w", key, err)
	}
	return nil
}

var _ LaneLocker = (*RedisLaneLocker)(nil)
