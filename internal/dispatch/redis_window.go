package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tgbridge:dedup:"

// RedisWindow implements Window on Redis SET NX with a TTL, giving all
// service replicas one shared dedup horizon.
type RedisWindow struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWindow creates a window over client holding keys for ttl.
func NewRedisWindow(client *redis.Client, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisWindow{client: client, ttl: ttl}
}

// SeenOrRecord sets the key if absent. A failed SET NX means some
// delivery already claimed it inside the window.
func (w *RedisWindow) SeenOrRecord(ctx context.Context, key string) (bool, error) {
	set, err := w.client.SetNX(ctx, redisKeyPrefix+key, "1", w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !set, nil
}
