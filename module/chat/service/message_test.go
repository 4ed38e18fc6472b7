package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/resolver"
	"PPChat/module/chat/store"
	"PPChat/service/realtime"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prefixSigner struct{}

func (prefixSigner) SignedURL(p string, ttl time.Duration) (string, error) {
	return "https://files.test/" + p + "?ttl=" + ttl.String(), nil
}

func newService(t *testing.T, opts Options) (*MessageService, *store.Memory) {
	t.Helper()
	m := store.NewMemory(nil)
	return NewMessageService(m, resolver.New(m, nil), opts), m
}

func TestSendMessageToNewPeerCreatesConversation(t *testing.T) {
	svc, m := newService(t, Options{})
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{ConversationID: "new", TargetUserID: "bob", Content: "  hi  "})
	require.NoError(t, err)
	assert.True(t, res.CreatedConversation)
	assert.NotEmpty(t, res.MessageID)
	assert.False(t, res.CreatedAt.IsZero())

	msgs := svc.GetMessages(ctx, "bob", res.ConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", *msgs[0].Content)
	assert.Equal(t, chatmodel.StatusSent, msgs[0].Status)
	assert.Equal(t, chatmodel.MessageText, msgs[0].Type)

	details, err := m.LoadConversations(ctx, []string{res.ConversationID})
	require.NoError(t, err)
	require.NotNil(t, details[0].LastMessageAt)
	assert.Equal(t, res.CreatedAt, *details[0].LastMessageAt)

	again, err := svc.SendMessage(ctx, "bob", chatmodel.SendParams{TargetUserID: "alice", Content: "yo"})
	require.NoError(t, err)
	assert.False(t, again.CreatedConversation)
	assert.Equal(t, res.ConversationID, again.ConversationID)
}

func TestSendMessageValidation(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		user string
		p    chatmodel.SendParams
		code int
	}{
		{"no user", "", chatmodel.SendParams{ConversationID: "c", Content: "x"}, errs.Unauthenticated},
		{"blank", "alice", chatmodel.SendParams{ConversationID: "c", Content: "   "}, errs.InvalidArgument},
		{"bad type", "alice", chatmodel.SendParams{ConversationID: "c", Content: "x", Type: "sticker"}, errs.InvalidArgument},
		{"no target", "alice", chatmodel.SendParams{ConversationID: "new", Content: "x"}, errs.InvalidArgument},
		{"self", "alice", chatmodel.SendParams{TargetUserID: "alice", Content: "x"}, errs.InvalidArgument},
		{"not a member", "alice", chatmodel.SendParams{ConversationID: "elsewhere", Content: "x"}, errs.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, tc.user, tc.p)
			require.Error(t, err)
			assert.Equal(t, tc.code, errs.CodeOf(err))
		})
	}
}

func TestSendMessageAttachmentOnly(t *testing.T) {
	svc, _ := newService(t, Options{Signer: prefixSigner{}, SignedURLTTL: time.Minute})
	ctx := context.Background()
	res, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{TargetUserID: "bob", Content: "incoming"})
	require.NoError(t, err)

	path := "conversations/" + res.ConversationID + "/1_2.png"
	_, err = svc.SendMessage(ctx, "alice", chatmodel.SendParams{
		ConversationID: res.ConversationID, Type: chatmodel.MessageImage, FilePath: path,
	})
	require.NoError(t, err)

	msgs := svc.GetMessages(ctx, "bob", res.ConversationID)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[1].Content)
	assert.Equal(t, "https://files.test/"+path+"?ttl=1m0s", *msgs[1].FileURL)
}

func TestSendMessageRejectsForeignAttachment(t *testing.T) {
	svc, m := newService(t, Options{Signer: prefixSigner{}, SignedURLTTL: time.Minute})
	ctx := context.Background()
	mine, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{TargetUserID: "bob", Content: "hi"})
	require.NoError(t, err)
	theirs, err := svc.SendMessage(ctx, "carol", chatmodel.SendParams{TargetUserID: "dave", Content: "secret"})
	require.NoError(t, err)

	for _, p := range []string{
		"conversations/" + theirs.ConversationID + "/1_2.png",
		"conversations/" + mine.ConversationID + "/../" + theirs.ConversationID + "/1_2.png",
		"elsewhere/1_2.png",
	} {
		_, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{
			ConversationID: mine.ConversationID, Type: chatmodel.MessageImage, FilePath: p,
		})
		assert.True(t, errs.Is(err, errs.InvalidArgument), p)
	}

	_, err = svc.SendMessage(ctx, "alice", chatmodel.SendParams{
		ConversationID: mine.ConversationID, Type: chatmodel.MessageImage, FilePath: "https://cdn.test/cat.png",
	})
	require.NoError(t, err, "external links are kept as is")

	// rows written before the check are not signed for the wrong conversation
	_, err = m.InsertMessage(ctx, chatmodel.Message{
		ConversationID: mine.ConversationID, SenderID: "alice", Type: chatmodel.MessageImage,
		FileURL: chatmodel.StrPtr("conversations/" + theirs.ConversationID + "/1_2.png"),
	})
	require.NoError(t, err)
	msgs := svc.GetMessages(ctx, "alice", mine.ConversationID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "https://cdn.test/cat.png", *msgs[1].FileURL)
	assert.Nil(t, msgs[2].FileURL)
}

func TestSendMessageStoreFailure(t *testing.T) {
	svc, m := newService(t, Options{})
	ctx := context.Background()
	res, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{TargetUserID: "bob", Content: "one"})
	require.NoError(t, err)

	m.FailOn("InsertMessage", errors.New("disk full"))
	_, err = svc.SendMessage(ctx, "alice", chatmodel.SendParams{ConversationID: res.ConversationID, Content: "two"})
	assert.True(t, errs.Is(err, errs.StoreFailure))

	m.FailOn("InsertMessage", nil)
	m.FailOn("TouchConversation", errors.New("lock timeout"))
	_, err = svc.SendMessage(ctx, "alice", chatmodel.SendParams{ConversationID: res.ConversationID, Content: "three"})
	assert.NoError(t, err, "timestamp bump failure does not fail the send")
	assert.Len(t, svc.GetMessages(ctx, "alice", res.ConversationID), 2)
}

func TestGetMessagesFailsSoft(t *testing.T) {
	svc, m := newService(t, Options{})
	ctx := context.Background()
	res, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{TargetUserID: "bob", Content: "hi"})
	require.NoError(t, err)

	assert.Empty(t, svc.GetMessages(ctx, "mallory", res.ConversationID))
	assert.Empty(t, svc.GetMessages(ctx, "", res.ConversationID))

	m.FailOn("ListMessages", errors.New("down"))
	got := svc.GetMessages(ctx, "alice", res.ConversationID)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMarkMessagesRead(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()
	res, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{TargetUserID: "bob", Content: "one"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "alice", chatmodel.SendParams{ConversationID: res.ConversationID, Content: "two"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "bob", chatmodel.SendParams{ConversationID: res.ConversationID, Content: "mine"})
	require.NoError(t, err)

	out, err := svc.MarkMessagesRead(ctx, "bob", res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.UpdatedCount)

	out, err = svc.MarkMessagesRead(ctx, "bob", res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, out.UpdatedCount)

	for _, msg := range svc.GetMessages(ctx, "alice", res.ConversationID) {
		if msg.SenderID == "alice" {
			assert.Equal(t, chatmodel.StatusRead, msg.Status)
		} else {
			assert.Equal(t, chatmodel.StatusSent, msg.Status)
		}
	}

	_, err = svc.MarkMessagesRead(ctx, "mallory", res.ConversationID)
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = svc.MarkMessagesRead(ctx, "", res.ConversationID)
	assert.True(t, errs.Is(err, errs.Unauthenticated))
}

func TestSendMessageFansOutToInboxes(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	server := realtime.NewClient(bus, realtime.Options{Key: "server"})
	require.NoError(t, server.Open(ctx))
	defer server.Close()
	svc, _ := newService(t, Options{Notifier: server})

	got := map[string][]chatmodel.MessageUpdateEvent{}
	for _, uid := range []string{"alice", "bob"} {
		uid := uid
		c := realtime.NewClient(bus, realtime.Options{Key: uid})
		require.NoError(t, c.Open(ctx))
		defer c.Close()
		ch, err := c.Channel(chatmodel.InboxChannel(uid))
		require.NoError(t, err)
		ch.OnBroadcast(chatmodel.EventMessageUpdate, func(raw json.RawMessage) {
			var ev chatmodel.MessageUpdateEvent
			require.NoError(t, json.Unmarshal(raw, &ev))
			got[uid] = append(got[uid], ev)
		})
		require.NoError(t, ch.Subscribe(ctx))
	}

	res, err := svc.SendMessage(ctx, "alice", chatmodel.SendParams{TargetUserID: "bob", Content: "hello"})
	require.NoError(t, err)

	for _, uid := range []string{"alice", "bob"} {
		require.Len(t, got[uid], 1, uid)
		assert.Equal(t, res.ConversationID, got[uid][0].ConversationID)
		assert.Equal(t, "hello", *got[uid][0].Content)
		assert.True(t, res.CreatedAt.Equal(got[uid][0].CreatedAt))
	}
	assert.Equal(t, 0, server.Channels())
}
