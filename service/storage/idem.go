package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdem 基于 SET NX 的去重，多实例共享
type RedisIdem struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisIdem(rdb *redis.Client, prefix string) *RedisIdem {
	if prefix == "" {
		prefix = "rt:idem:"
	}
	return &RedisIdem{rdb: rdb, prefix: prefix}
}

// SeenOnce 第一次见到 key 返回 false，之后在 ttl 内返回 true
func (r *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
