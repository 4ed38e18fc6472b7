package presence

import (
	"context"
	"testing"
	"time"

	"PPChat/service/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	bus   *realtime.MemoryBus
	store *realtime.MemoryPresence
	now   time.Time
}

func newEnv() *env {
	e := &env{bus: realtime.NewMemoryBus(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e.store = realtime.NewMemoryPresence(func() time.Time { return e.now })
	return e
}

func (e *env) client(t *testing.T, user string) *realtime.Client {
	t.Helper()
	c := realtime.NewClient(e.bus, realtime.Options{Key: user, Presence: e.store, PresenceTTL: time.Minute, Heartbeat: time.Hour})
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStartTracksSelfAndSeesOthers(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	alice := New(e.client(t, "alice"), "alice")
	require.NoError(t, alice.Start(ctx))
	assert.True(t, alice.IsOnline("alice"))

	var last []string
	alice.OnChange(func(online []string) { last = online })

	bob := New(e.client(t, "bob"), "bob")
	require.NoError(t, bob.Start(ctx))
	assert.Equal(t, []string{"alice", "bob"}, bob.Online(), "initial snapshot after subscribe")
	assert.Equal(t, []string{"alice", "bob"}, alice.Online())
	assert.Equal(t, []string{"alice", "bob"}, last)

	bob.Close()
	assert.False(t, alice.IsOnline("bob"))
	assert.Equal(t, []string{"alice"}, last)
}

func TestSyncReplacesWholeSet(t *testing.T) {
	p := New(nil, "alice")
	p.Sync([]string{"a", "b", "c"})
	p.Sync([]string{"c", "d", ""})
	assert.Equal(t, []string{"c", "d"}, p.Online())
	assert.False(t, p.IsOnline("a"))

	p.Sync(nil)
	assert.Empty(t, p.Online())
}

func TestSecondConnectionKeepsUserOnline(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	watcher := New(e.client(t, "carol"), "carol")
	require.NoError(t, watcher.Start(ctx))

	tab1 := New(e.client(t, "alice"), "alice")
	require.NoError(t, tab1.Start(ctx))
	tab2 := New(e.client(t, "alice"), "alice")
	require.NoError(t, tab2.Start(ctx))

	tab1.Close()
	assert.True(t, watcher.IsOnline("alice"))
	tab2.Close()
	assert.False(t, watcher.IsOnline("alice"))
}

func TestCloseStopsUpdates(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.client(t, "alice")

	p := New(c, "alice")
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx), "second start is a no-op")
	assert.Equal(t, 1, c.Channels())

	p.Close()
	p.Close()
	assert.Equal(t, 0, c.Channels())
	p.Sync([]string{"zed"})
	assert.False(t, p.IsOnline("zed"))
	assert.ErrorIs(t, p.Start(ctx), ErrClosed)
}

func TestStartWithoutPresenceStoreStillFollows(t *testing.T) {
	bus := realtime.NewMemoryBus()
	c := realtime.NewClient(bus, realtime.Options{Key: "alice"})
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	p := New(c, "alice")
	require.NoError(t, p.Start(context.Background()))
	assert.Empty(t, p.Online())
}
