package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outreach/models"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresCounter stores windows as RateLimitWindow rows. The increment is a
// conditional UPDATE so concurrent workers cannot overshoot capacity.
type PostgresCounter struct {
	db *gorm.DB
}

func NewPostgresCounter(db *gorm.DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

func (c *PostgresCounter) Acquire(ctx context.Context, key WindowKey, capacity int) (bool, error) {
	row := models.RateLimitWindow{
		AccountID: key.AccountID,
		Channel:   key.Channel,
		Day:       key.Day,
		Capacity:  capacity,
	}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return false, fmt.Errorf("open window: %w", err)
	}

	res := c.db.WithContext(ctx).Model(&models.RateLimitWindow{}).
		Where("account_id = ? AND channel = ? AND day = ? AND count < ?", key.AccountID, key.Channel, key.Day, capacity).
		Updates(map[string]interface{}{
			"count":    gorm.Expr("count + ?", 1),
			"capacity": capacity,
		})
	if res.Error != nil {
		return false, fmt.Errorf("increment window: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (c *PostgresCounter) Used(ctx context.Context, key WindowKey) (int, error) {
	var row models.RateLimitWindow
	err := c.db.WithContext(ctx).
		Where("account_id = ? AND channel = ? AND day = ?", key.AccountID, key.Channel, key.Day).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Count, nil
}

// KEYS[1] = window key
// ARGV[1] = capacity
// ARGV[2] = ttl seconds
var acquireScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= tonumber(ARGV[1]) then
    return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// RedisCounter keeps windows as plain integer keys that expire after two days.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, ttl: 48 * time.Hour}
}

func (c *RedisCounter) Acquire(ctx context.Context, key WindowKey, capacity int) (bool, error) {
	res, err := acquireScript.Run(ctx, c.client, []string{key.String()}, capacity, int(c.ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("redis quota script: %w", err)
	}
	return res == 1, nil
}

func (c *RedisCounter) Used(ctx context.Context, key WindowKey) (int, error) {
	n, err := c.client.Get(ctx, key.String()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

type MemoryCounter struct {
	mu     sync.Mutex
	counts map[WindowKey]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[WindowKey]int)}
}

func (c *MemoryCounter) Acquire(_ context.Context, key WindowKey, capacity int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] >= capacity {
		return false, nil
	}
	c.counts[key]++
	return true, nil
}

func (c *MemoryCounter) Used(_ context.Context, key WindowKey) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key], nil
}

var (
	_ Counter = (*PostgresCounter)(nil)
	_ Counter = (*RedisCounter)(nil)
	_ Counter = (*MemoryCounter)(nil)
)
