package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openClient(t *testing.T, bus Bus, id, key string, presence PresenceStore) *Client {
	t.Helper()
	c := NewClient(bus, Options{ClientID: id, Key: key, Presence: presence, PresenceTTL: time.Minute, Heartbeat: time.Hour})
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMemoryBusSubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	var got []string
	sub, err := bus.Subscribe("a", func(m Message) { got = append(got, string(m.Data)) })
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("a"))

	require.NoError(t, bus.Publish(ctx, Message{Subject: "a", Data: []byte("1")}))
	require.NoError(t, bus.Publish(ctx, Message{Subject: "b", Data: []byte("x")}))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(ctx, Message{Subject: "a", Data: []byte("2")}))

	assert.Equal(t, []string{"1"}, got)
	assert.Zero(t, bus.Subscribers("a"))

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, Message{Subject: "a"}), ErrBusClosed)
	_, err = bus.Subscribe("a", func(Message) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSubjectsAreSanitized(t *testing.T) {
	assert.Equal(t, "rt.conversation:c_1:updates", ChannelSubject("conversation:c.1:updates"))
	assert.Equal(t, "rt.changes.messages", ChangeSubject("messages"))
	assert.Equal(t, "rt.a_b_c", ChannelSubject("a*b>c"))
}

func TestSlotKeepsLatestHandler(t *testing.T) {
	var calls []string
	s := NewSlot(func(v string) { calls = append(calls, "first:"+v) })
	assert.True(t, s.Fire("a"))
	s.Set(func(v string) { calls = append(calls, "second:"+v) })
	assert.True(t, s.Fire("b"))
	s.Clear()
	assert.False(t, s.Fire("c"))

	var nilSlot *Slot[string]
	assert.False(t, nilSlot.Fire("d"))
	assert.Equal(t, []string{"first:a", "second:b"}, calls)
}

func TestMemoryPresenceExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewMemoryPresence(func() time.Time { return now })

	changed, err := p.Track(ctx, "room", "alice", "r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = p.Track(ctx, "room", "alice", "r2", time.Minute)
	assert.False(t, changed, "second connection of the same key")
	_, _ = p.Track(ctx, "room", "bob", "r3", 10*time.Second)

	keys, err := p.Snapshot(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, keys)

	changed, _ = p.Untrack(ctx, "room", "alice", "r1")
	assert.False(t, changed, "alice still has r2")

	now = now.Add(30 * time.Second)
	keys, _ = p.Snapshot(ctx, "room")
	assert.Equal(t, []string{"alice"}, keys)

	changed, _ = p.Untrack(ctx, "room", "alice", "r2")
	assert.True(t, changed)
	keys, _ = p.Snapshot(ctx, "room")
	assert.Empty(t, keys)
}

func TestParseFilterAndMatch(t *testing.T) {
	f, err := ParseFilter("messages", ChangeUpdate, "conversation_id=eq.c1")
	require.NoError(t, err)
	assert.Equal(t, ChangeFilter{Table: "messages", Type: ChangeUpdate, Column: "conversation_id", Value: "c1"}, f)
	assert.Equal(t, "messages/UPDATE?conversation_id=eq.c1", f.String())

	_, err = ParseFilter("messages", "", "conversation_id=c1")
	assert.Error(t, err)
	_, err = ParseFilter("messages", "", "=eq.c1")
	assert.Error(t, err)

	all, err := ParseFilter("messages", "", " ")
	require.NoError(t, err)
	assert.Empty(t, all.Column)

	upd, err := NewChange("messages", ChangeUpdate, map[string]any{"conversation_id": "c1"}, nil)
	require.NoError(t, err)
	del, err := NewChange("messages", ChangeDelete, nil, map[string]any{"conversation_id": "c1"})
	require.NoError(t, err)
	other, err := NewChange("profiles", ChangeUpdate, map[string]any{"conversation_id": "c1"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Matches(upd))
	assert.False(t, f.Matches(del))
	assert.False(t, f.Matches(other))
	assert.True(t, all.Matches(del))
	assert.True(t, ChangeFilter{Table: "messages", Column: "conversation_id", Value: "c1"}.Matches(del), "deletes match on the old row")
}

func TestDecodeRow(t *testing.T) {
	type row struct {
		ID       string `db:"id"`
		IsEdited bool   `db:"is_edited"`
		Count    int    `db:"count"`
	}
	c, err := NewChange("messages", ChangeInsert, map[string]any{"id": "m1", "is_edited": true, "count": 3}, nil)
	require.NoError(t, err)
	r, err := DecodeRow[row](c.New)
	require.NoError(t, err)
	assert.Equal(t, row{ID: "m1", IsEdited: true, Count: 3}, *r)
}

func TestBroadcastSkipsOwnOrigin(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	a := openClient(t, bus, "a", "alice", nil)
	b := openClient(t, bus, "b", "bob", nil)

	var gotA, gotB []string
	chA, err := a.Channel("room")
	require.NoError(t, err)
	chA.OnBroadcast("hello", func(p json.RawMessage) { gotA = append(gotA, string(p)) })
	require.NoError(t, chA.Subscribe(ctx))

	chB, err := b.Channel("room")
	require.NoError(t, err)
	chB.OnBroadcast("hello", func(p json.RawMessage) { gotB = append(gotB, string(p)) })
	require.NoError(t, chB.Subscribe(ctx))

	require.NoError(t, chA.Send(ctx, "hello", map[string]string{"from": "a"}))
	require.NoError(t, chA.Send(ctx, "ignored", 1))
	assert.Empty(t, gotA)
	assert.Equal(t, []string{`{"from":"a"}`}, gotB)

	echo, err := a.Channel("room", WithReceiveOwn())
	require.NoError(t, err)
	var gotEcho int
	echo.OnBroadcast("hello", func(json.RawMessage) { gotEcho++ })
	require.NoError(t, echo.Subscribe(ctx))
	require.NoError(t, chA.Send(ctx, "hello", nil))
	assert.Equal(t, 1, gotEcho)
}

func TestHandlerSwapDoesNotResubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	a := openClient(t, bus, "a", "alice", nil)
	b := openClient(t, bus, "b", "bob", nil)

	ch, err := a.Channel("room")
	require.NoError(t, err)
	var first, second int
	ch.OnBroadcast("e", func(json.RawMessage) { first++ })
	require.NoError(t, ch.Subscribe(ctx))
	require.NoError(t, ch.Subscribe(ctx))
	ch.OnBroadcast("e", func(json.RawMessage) { second++ })
	assert.Equal(t, 1, bus.Subscribers(ChannelSubject("room")))

	sender, err := b.Channel("room")
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, "e", nil))
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestCloseStopsDeliveryAndForgets(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	a := openClient(t, bus, "a", "alice", nil)
	b := openClient(t, bus, "b", "bob", nil)

	ch, err := a.Channel("room")
	require.NoError(t, err)
	var n int
	ch.OnBroadcast("e", func(json.RawMessage) { n++ })
	require.NoError(t, ch.Subscribe(ctx))
	assert.Equal(t, 1, a.Channels())

	require.NoError(t, a.RemoveChannel(ch))
	require.NoError(t, ch.Close())
	assert.Equal(t, StatusClosed, ch.Status())
	assert.Zero(t, a.Channels())
	assert.Zero(t, bus.Subscribers(ChannelSubject("room")))
	assert.ErrorIs(t, ch.Subscribe(ctx), ErrChannelClosed)
	assert.ErrorIs(t, ch.Send(ctx, "e", nil), ErrChannelClosed)

	sender, _ := b.Channel("room")
	require.NoError(t, sender.Send(ctx, "e", nil))
	assert.Zero(t, n)
}

func TestClientLifecycle(t *testing.T) {
	bus := NewMemoryBus()
	c := NewClient(bus, Options{})
	assert.NotEmpty(t, c.ID())
	_, err := c.Channel("x")
	assert.ErrorIs(t, err, ErrClientNotOpen)

	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Open(context.Background()))
	_, err = c.Channel("x")
	require.NoError(t, err)
	_, err = c.Channel("x")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Channels())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Channels())
	_, err = c.Channel("x")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Open(context.Background()), ErrClientClosed)
}

func TestChangeFiltersOnChannel(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	sink := BusSink{Bus: bus}
	c := openClient(t, bus, "a", "alice", nil)

	ch, err := c.Channel("conversation:c1:updates")
	require.NoError(t, err)
	var got []string
	_, err = ch.OnChange(ChangeFilter{Table: "messages", Type: ChangeUpdate, Column: "conversation_id", Value: "c1"}, func(ch Change) {
		got = append(got, ch.New["id"].(string))
	})
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe(ctx))

	emit := func(typ ChangeType, id, conv string) {
		chg, err := NewChange("messages", typ, map[string]any{"id": id, "conversation_id": conv}, nil)
		require.NoError(t, err)
		require.NoError(t, sink.Emit(ctx, chg))
	}
	emit(ChangeUpdate, "m1", "c1")
	emit(ChangeUpdate, "m2", "c2")
	emit(ChangeInsert, "m3", "c1")

	// bindings added after Subscribe are live immediately
	var inserts int
	_, err = ch.OnChange(ChangeFilter{Table: "messages", Type: ChangeInsert}, func(Change) { inserts++ })
	require.NoError(t, err)
	emit(ChangeInsert, "m4", "c9")

	assert.Equal(t, []string{"m1"}, got)
	assert.Equal(t, 1, inserts)
	assert.Equal(t, 1, bus.Subscribers(ChangeSubject("messages")))
	assert.NoError(t, DiscardSink{}.Emit(ctx, Change{}))
}

func TestPresenceSyncAcrossClients(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	store := NewMemoryPresence(nil)
	a := openClient(t, bus, "a", "alice", store)
	b := openClient(t, bus, "b", "bob", store)

	chA, err := a.Channel("global_presence")
	require.NoError(t, err)
	var seenA [][]string
	chA.OnPresenceSync(func(keys []string) { seenA = append(seenA, keys) })
	require.NoError(t, chA.Subscribe(ctx))
	require.NoError(t, chA.Track(ctx))

	chB, err := b.Channel("global_presence")
	require.NoError(t, err)
	chB.OnPresenceSync(func([]string) {})
	require.NoError(t, chB.Subscribe(ctx))
	assert.Equal(t, []string{"alice"}, chB.PresenceState(), "snapshot on subscribe")
	require.NoError(t, chB.Track(ctx))

	assert.Equal(t, []string{"alice", "bob"}, chA.PresenceState())
	require.NoError(t, chB.Close())
	assert.Equal(t, []string{"alice"}, chA.PresenceState())
	require.NotEmpty(t, seenA)
	assert.Equal(t, []string{"alice"}, seenA[len(seenA)-1])

	require.NoError(t, chA.Untrack(ctx))
	require.NoError(t, chA.Untrack(ctx))
	keys, _ := store.Snapshot(ctx, "global_presence")
	assert.Empty(t, keys)
}

func TestTrackWithoutPresenceStore(t *testing.T) {
	c := openClient(t, NewMemoryBus(), "a", "alice", nil)
	ch, err := c.Channel("global_presence")
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Track(context.Background()), ErrPresenceUnavailable)
}
