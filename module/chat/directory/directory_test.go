package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/store"
	"PPChat/service/realtime"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx   context.Context
	store *store.Memory
	dir   *Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory(nil)
	require.NoError(t, m.UpsertProfile(ctx, chatmodel.Profile{ID: "alice", Username: chatmodel.StrPtr("alice")}))
	require.NoError(t, m.UpsertProfile(ctx, chatmodel.Profile{ID: "bob", FullName: chatmodel.StrPtr("Bob Stone"), AvatarURL: chatmodel.StrPtr("b.png")}))
	return &fixture{ctx: ctx, store: m, dir: New(m)}
}

func (f *fixture) conv(t *testing.T, group bool, name string, members ...string) string {
	t.Helper()
	c := chatmodel.Conversation{IsGroup: group}
	if name != "" {
		c.Name = &name
	}
	c, err := f.store.InsertConversation(f.ctx, c)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertMembers(f.ctx, c.ID, members...))
	return c.ID
}

func (f *fixture) say(t *testing.T, convID, sender, text string) chatmodel.Message {
	t.Helper()
	m, err := f.store.InsertMessage(f.ctx, chatmodel.Message{ConversationID: convID, SenderID: sender, Content: &text})
	require.NoError(t, err)
	return m
}

func TestListProjectsAndOrders(t *testing.T) {
	f := newFixture(t)
	quiet := f.conv(t, false, "", "alice", "bob")
	group := f.conv(t, true, "", "alice", "bob", "carol")
	named := f.conv(t, true, "crew", "alice", "carol")
	ghost := f.conv(t, false, "", "alice", "dave")

	f.say(t, named, "carol", "first")
	f.say(t, group, "bob", "second")
	f.say(t, ghost, "dave", "third")

	items := f.dir.List(f.ctx, "alice")
	require.Len(t, items, 4)

	assert.Equal(t, ghost, items[0].ID)
	assert.Equal(t, "Unknown user", items[0].Name)
	assert.Equal(t, "dave", items[0].OtherUserID)

	assert.Equal(t, group, items[1].ID)
	assert.Equal(t, "Unnamed group", items[1].Name)
	assert.Equal(t, "second", *items[1].LastMessage)

	assert.Equal(t, named, items[2].ID)
	assert.Equal(t, "crew", items[2].Name)

	assert.Equal(t, quiet, items[3].ID)
	assert.Equal(t, "Bob Stone", items[3].Name, "full name when username is missing")
	assert.Equal(t, "b.png", *items[3].Avatar)
	assert.Nil(t, items[3].LastMessageAt)
}

func TestListFailsSoft(t *testing.T) {
	f := newFixture(t)
	f.conv(t, false, "", "alice", "bob")

	f.store.FailOn("LoadConversations", errors.New("down"))
	items := f.dir.List(f.ctx, "alice")
	require.NotNil(t, items)
	assert.Empty(t, items)

	f.store.FailOn("LoadConversations", nil)
	f.store.FailOn("MemberConversationIDs", errors.New("down"))
	assert.Empty(t, f.dir.List(f.ctx, "alice"))

	assert.Empty(t, f.dir.List(f.ctx, ""))
}

func TestListUsesConversationTimestampWithoutMessages(t *testing.T) {
	f := newFixture(t)
	older := f.conv(t, false, "", "alice", "bob")
	newer := f.conv(t, true, "g", "alice", "bob")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.TouchConversation(f.ctx, older, at.Add(time.Hour)))
	require.NoError(t, f.store.TouchConversation(f.ctx, newer, at))

	items := f.dir.List(f.ctx, "alice")
	require.Len(t, items, 2)
	assert.Equal(t, older, items[0].ID)
	assert.Equal(t, at.Add(time.Hour), *items[0].LastMessageAt)
}

func TestGetByID(t *testing.T) {
	f := newFixture(t)
	id := f.conv(t, false, "", "alice", "bob")

	item, err := f.dir.GetByID(f.ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, "alice", item.Name)

	_, err = f.dir.GetByID(f.ctx, "mallory", id)
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = f.dir.GetByID(f.ctx, "alice", "missing")
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = f.dir.GetByID(f.ctx, "", id)
	assert.True(t, errs.Is(err, errs.Unauthenticated))
}

func TestExistingDirect(t *testing.T) {
	f := newFixture(t)
	id := f.conv(t, false, "", "alice", "bob")

	got, err := f.dir.ExistingDirect(f.ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = f.dir.ExistingDirect(f.ctx, "bob", "bob")
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

type countingFetcher struct {
	Fetcher
	calls atomic.Int32
	block chan struct{}
}

func (c *countingFetcher) GetByID(ctx context.Context, viewer, id string) (*chatmodel.ConversationListItem, error) {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return c.Fetcher.GetByID(ctx, viewer, id)
}

func TestInboxNewConversation(t *testing.T) {
	f := newFixture(t)
	existing := f.conv(t, false, "", "alice", "bob")
	fresh := f.conv(t, true, "new group", "alice", "bob")

	first, err := f.dir.GetByID(f.ctx, "alice", existing)
	require.NoError(t, err)
	inbox := NewInbox("alice", f.dir, []chatmodel.ConversationListItem{*first})
	require.Len(t, inbox.Items(), 1)

	var seen [][]chatmodel.ConversationListItem
	inbox.OnChange(func(items []chatmodel.ConversationListItem) { seen = append(seen, items) })

	at := time.Date(2024, 3, 3, 3, 3, 3, 0, time.UTC)
	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{
		ConversationID: fresh, LastMessage: chatmodel.StrPtr("hello"), LastMessageAt: &at,
	})
	items := inbox.Items()
	require.Len(t, items, 2)
	assert.Equal(t, fresh, items[0].ID)
	assert.Equal(t, "hello", *items[0].LastMessage)
	assert.Equal(t, at, *items[0].LastMessageAt)
	assert.Equal(t, existing, items[1].ID)
	require.Len(t, seen, 1)

	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{ConversationID: fresh})
	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{ConversationID: existing})
	assert.Len(t, inbox.Items(), 2)
	assert.Len(t, seen, 1)
}

func TestInboxNewConversationFetchedOnce(t *testing.T) {
	f := newFixture(t)
	fresh := f.conv(t, false, "", "alice", "bob")

	fetch := &countingFetcher{Fetcher: f.dir, block: make(chan struct{})}
	inbox := NewInbox("alice", fetch, nil)

	done := make(chan struct{})
	go func() {
		inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{ConversationID: fresh})
		close(done)
	}()
	require.Eventually(t, func() bool { return fetch.calls.Load() == 1 }, time.Second, time.Millisecond)

	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{ConversationID: fresh})
	close(fetch.block)
	<-done

	assert.Equal(t, int32(1), fetch.calls.Load())
	assert.Len(t, inbox.Items(), 1)
}

func TestInboxFetchFailureAllowsRetry(t *testing.T) {
	f := newFixture(t)
	inbox := NewInbox("alice", f.dir, nil)

	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{ConversationID: "missing"})
	assert.Empty(t, inbox.Items())

	id := f.conv(t, false, "", "alice", "bob")
	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{ConversationID: id})
	assert.Len(t, inbox.Items(), 1)
}

func TestInboxMessageUpdateResorts(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	inbox := NewInbox("alice", nil, []chatmodel.ConversationListItem{
		{ID: "a", LastMessageAt: &t1},
		{ID: "b", LastMessageAt: &t0},
		{ID: "c"},
	})

	inbox.OnMessageUpdate(chatmodel.MessageUpdateEvent{ConversationID: "c", Content: chatmodel.StrPtr("ping"), CreatedAt: t1.Add(time.Second)})
	inbox.OnMessageUpdate(chatmodel.MessageUpdateEvent{ConversationID: "zzz", Content: chatmodel.StrPtr("ignored"), CreatedAt: t1.Add(time.Hour)})

	items := inbox.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, "ping", *items[0].LastMessage)
}

func TestInboxMessageUpdateIgnoresOlderEvents(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox := NewInbox("alice", nil, []chatmodel.ConversationListItem{
		{ID: "c1", LastMessageAt: &t0},
		{ID: "c2", LastMessageAt: &t0},
	})
	var fired int
	inbox.OnChange(func([]chatmodel.ConversationListItem) { fired++ })

	inbox.OnMessageUpdate(chatmodel.MessageUpdateEvent{ConversationID: "c2", Content: chatmodel.StrPtr("second"), CreatedAt: t0.Add(2 * time.Minute)})
	inbox.OnMessageUpdate(chatmodel.MessageUpdateEvent{ConversationID: "c2", Content: chatmodel.StrPtr("first"), CreatedAt: t0.Add(time.Minute)})

	items := inbox.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "c2", items[0].ID)
	assert.Equal(t, "second", *items[0].LastMessage)
	assert.Equal(t, t0.Add(2*time.Minute), *items[0].LastMessageAt)
	assert.Equal(t, 1, fired)
}

func TestInboxNewConversationKeepsNewerFetchedPreview(t *testing.T) {
	f := newFixture(t)
	id := f.conv(t, false, "", "alice", "bob")
	f.say(t, id, "bob", "hi")
	latest := f.say(t, id, "bob", "still there?")

	inbox := NewInbox("alice", f.dir, nil)
	stale := latest.CreatedAt.Add(-time.Hour)
	inbox.OnNewConversation(f.ctx, chatmodel.NewConversationEvent{
		ConversationID: id, LastMessage: chatmodel.StrPtr("hi"), LastMessageAt: &stale,
	})

	items := inbox.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "still there?", *items[0].LastMessage)
	assert.Equal(t, latest.CreatedAt, *items[0].LastMessageAt)
}

func TestInboxOverChannels(t *testing.T) {
	f := newFixture(t)
	id := f.conv(t, false, "", "alice", "bob")
	bus := realtime.NewMemoryBus()

	aliceClient := realtime.NewClient(bus, realtime.Options{Key: "alice"})
	require.NoError(t, aliceClient.Open(f.ctx))
	defer aliceClient.Close()
	bobClient := realtime.NewClient(bus, realtime.Options{Key: "bob"})
	require.NoError(t, bobClient.Open(f.ctx))
	defer bobClient.Close()

	inbox := NewInbox("alice", f.dir, nil)
	require.NoError(t, inbox.Attach(f.ctx, aliceClient))

	require.NoError(t, NotifyInbox(f.ctx, bobClient, "alice", chatmodel.EventNewConversation,
		chatmodel.NewConversationEvent{ConversationID: id, LastMessage: chatmodel.StrPtr("hey")}))
	require.Len(t, inbox.Items(), 1)
	assert.Equal(t, "bob", inbox.Items()[0].OtherUserID)
	assert.Equal(t, 1, aliceClient.Channels())
	assert.Equal(t, 0, bobClient.Channels(), "notify channel is removed after sending")

	at := time.Now().UTC()
	require.NoError(t, NotifyInbox(f.ctx, bobClient, "alice", chatmodel.EventMessageUpdate,
		chatmodel.MessageUpdateEvent{ConversationID: id, Content: chatmodel.StrPtr("again"), CreatedAt: at}))
	assert.Equal(t, "again", *inbox.Items()[0].LastMessage)

	inbox.Close()
	assert.Equal(t, 0, aliceClient.Channels())
	require.NoError(t, NotifyInbox(f.ctx, bobClient, "alice", chatmodel.EventMessageUpdate,
		chatmodel.MessageUpdateEvent{ConversationID: id, Content: chatmodel.StrPtr("late"), CreatedAt: at}))
	assert.Equal(t, "again", *inbox.Items()[0].LastMessage)
}
