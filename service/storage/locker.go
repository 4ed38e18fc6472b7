package storage

import (
	"context"
	"time"

	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"github.com/redis/go-redis/v9"
)

// 只删除自己持有的锁
// KEYS[1] = lock key  ARGV[1] = token
const luaUnlock = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var unlockScript = redis.NewScript(luaUnlock)

// RedisLocker 分布式互斥锁（SET NX PX + token）
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	retry  time.Duration
}

func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, retry: 25 * time.Millisecond}
}

// Lock 阻塞直到拿到锁或 ctx 结束；ttl 到期自动释放
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := l.prefix + key
	token := ids.UUID()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, errs.ErrStoreFailure.WrapMsg("lock: "+err.Error(), "key", key)
		}
		if ok {
			return func() {
				// 用独立 ctx，调用方 ctx 可能已取消
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = unlockScript.Run(rctx, l.rdb, []string{k}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
