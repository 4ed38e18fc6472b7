package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deadClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// liveClient 设置 REDIS_TEST_ADDR 时跑真实 Redis
func liveClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestPresenceKeys(t *testing.T) {
	p := NewRedisPresence(nil, PresenceConfig{})
	assert.Equal(t, "rt:presence:global_presence", p.zkey("global_presence"))
	p = NewRedisPresence(nil, PresenceConfig{Prefix: "x:", UseClusterTag: true})
	assert.Equal(t, "x:{global_presence}", p.zkey("global_presence"))

	got := distinctKeys([]string{"bob" + memberSep + "r1", "alice" + memberSep + "r2", "bob" + memberSep + "r3", "broken"})
	assert.Equal(t, []string{"alice", "bob"}, got)
}

func TestRedisErrorsAreStoreFailures(t *testing.T) {
	ctx := context.Background()
	rdb := deadClient(t)

	p := NewRedisPresence(rdb, PresenceConfig{})
	_, err := p.Track(ctx, "c", "", "r", time.Second)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	_, err = p.Track(ctx, "c", "alice", "r", time.Second)
	assert.True(t, errs.Is(err, errs.StoreFailure))
	_, err = p.Untrack(ctx, "c", "alice", "r")
	assert.True(t, errs.Is(err, errs.StoreFailure))
	_, err = p.Snapshot(ctx, "c")
	assert.True(t, errs.Is(err, errs.StoreFailure))

	_, err = NewRedisLocker(rdb, "").Lock(ctx, "pair", time.Second)
	assert.True(t, errs.Is(err, errs.StoreFailure))

	_, err = NewRedisIdem(rdb, "").SeenOnce(ctx, "m1", time.Second)
	assert.Error(t, err)
}

func TestRedisPresenceLive(t *testing.T) {
	ctx := context.Background()
	rdb := liveClient(t)
	now := time.Now()
	p := NewRedisPresence(rdb, PresenceConfig{Prefix: "test:presence:" + ids.GenerateString() + ":"})
	p.now = func() time.Time { return now }

	changed, err := p.Track(ctx, "room", "alice", "r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = p.Track(ctx, "room", "alice", "r2", time.Minute)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = p.Track(ctx, "room", "bob", "r3", time.Second)
	require.NoError(t, err)

	keys, err := p.Snapshot(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, keys)

	now = now.Add(5 * time.Second)
	keys, err = p.Snapshot(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, keys)

	changed, err = p.Untrack(ctx, "room", "alice", "r1")
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = p.Untrack(ctx, "room", "alice", "r2")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRedisLockerLive(t *testing.T) {
	ctx := context.Background()
	rdb := liveClient(t)
	l := NewRedisLocker(rdb, "test:lock:"+ids.GenerateString()+":")

	unlock, err := l.Lock(ctx, "pair", 5*time.Second)
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(wctx, "pair", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(ctx, "pair", 5*time.Second)
	require.NoError(t, err)
	unlock2()

	idem := NewRedisIdem(rdb, "test:idem:"+ids.GenerateString()+":")
	seen, err := idem.SeenOnce(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = idem.SeenOnce(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)
}
