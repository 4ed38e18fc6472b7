package natsx

import (
	"context"
	"sync"
	"time"
)

// IdemStore 去重存储：首次见到 key 返回 false，TTL 内再次见到返回 true
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----
type MemIdem struct {
	mu   sync.Mutex
	m    map[string]time.Time // key -> expireAt
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	mi := &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now, stop: make(chan struct{})}
	go mi.sweep()
	return mi
}

func (mi *MemIdem) sweep() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-mi.stop:
			return
		case <-t.C:
			now := mi.now()
			mi.mu.Lock()
			for k, exp := range mi.m {
				if !exp.After(now) {
					delete(mi.m, k)
				}
			}
			mi.mu.Unlock()
		}
	}
}

func (mi *MemIdem) Close() {
	mi.once.Do(func() { close(mi.stop) })
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

// ----- 从消息头提取 msgID -----
func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware 幂等中间件。scope 区分订阅者：同一条消息对每个 scope 只处理一次。
// 无 msgID 的消息直接放行；存储出错时放行（宁可重复，不丢消息）
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration, scope string) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				return next(ctx, msg)
			}
			seen, err := store.SeenOnce(ctx, scope+"|"+id, ttl)
			if err == nil && seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
