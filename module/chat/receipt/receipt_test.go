package receipt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/msgsync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(id, from string, status chatmodel.MessageStatus) chatmodel.Message {
	return chatmodel.Message{ID: id, ConversationID: "c1", SenderID: from, CreatedAt: time.Now(), Status: status}
}

func newView(msgs ...chatmodel.Message) *msgsync.Synchronizer {
	s := msgsync.New(msgsync.Options{ViewerID: "alice", ConversationID: "c1"})
	s.Load(msgs)
	return s
}

func TestShouldMark(t *testing.T) {
	c := New(Options{ViewerID: "alice", ConversationID: "c1"})

	assert.False(t, c.ShouldMark(nil))
	assert.False(t, c.ShouldMark([]chatmodel.Message{inbound("1", "alice", chatmodel.StatusSent)}), "own messages")
	assert.False(t, c.ShouldMark([]chatmodel.Message{inbound("1", "bob", chatmodel.StatusRead)}))
	assert.True(t, c.ShouldMark([]chatmodel.Message{inbound("1", "bob", chatmodel.StatusSent)}))

	group := New(Options{ViewerID: "alice", ConversationID: "c1", IsGroup: true})
	assert.False(t, group.ShouldMark([]chatmodel.Message{inbound("1", "bob", chatmodel.StatusSent)}))

	c.Close()
	assert.False(t, c.ShouldMark([]chatmodel.Message{inbound("1", "bob", chatmodel.StatusSent)}))
}

func TestMarkReadFlipsViewOptimistically(t *testing.T) {
	view := newView(inbound("1", "bob", chatmodel.StatusSent), inbound("2", "alice", chatmodel.StatusSent), inbound("3", "bob", chatmodel.StatusSent))
	var gotConv string
	c := New(Options{ViewerID: "alice", ConversationID: "c1", Sync: view, Marker: MarkerFunc(func(_ context.Context, conv string) (int, error) {
		gotConv = conv
		return 2, nil
	})})

	n, err := c.MarkRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "c1", gotConv)

	for _, m := range view.Messages() {
		if m.SenderID == "bob" {
			assert.Equal(t, chatmodel.StatusRead, m.Status)
		} else {
			assert.Equal(t, chatmodel.StatusSent, m.Status)
		}
	}
	assert.False(t, view.HasUnreadInbound())
}

func TestMarkReadFailureLeavesView(t *testing.T) {
	view := newView(inbound("1", "bob", chatmodel.StatusSent))
	c := New(Options{ViewerID: "alice", ConversationID: "c1", Sync: view, Marker: MarkerFunc(func(context.Context, string) (int, error) {
		return 0, errors.New("down")
	})})

	_, err := c.MarkRead(context.Background())
	require.Error(t, err)
	assert.True(t, view.HasUnreadInbound())

	_, err = c.MarkRead(context.Background())
	require.Error(t, err, "latch released after failure")
}

func TestConcurrentMarkReadIssuesOneCall(t *testing.T) {
	view := newView(inbound("1", "bob", chatmodel.StatusSent))
	var calls atomic.Int32
	release := make(chan struct{})
	c := New(Options{ViewerID: "alice", ConversationID: "c1", Sync: view, Marker: MarkerFunc(func(context.Context, string) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	})})

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.MarkRead(ctx)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := c.MarkRead(ctx)
	assert.ErrorIs(t, err, ErrInFlight)
	called, err := c.MaybeMark(ctx)
	assert.NoError(t, err)
	assert.False(t, called)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestMaybeMark(t *testing.T) {
	view := newView(inbound("1", "bob", chatmodel.StatusSent))
	var calls int
	c := New(Options{ViewerID: "alice", ConversationID: "c1", Sync: view, Marker: MarkerFunc(func(context.Context, string) (int, error) {
		calls++
		return 1, nil
	})})

	called, err := c.MaybeMark(context.Background())
	require.NoError(t, err)
	assert.True(t, called)

	called, err = c.MaybeMark(context.Background())
	require.NoError(t, err)
	assert.False(t, called, "nothing left unread")
	assert.Equal(t, 1, calls)
}

func TestCompletionAfterCloseDoesNotTouchView(t *testing.T) {
	view := newView(inbound("1", "bob", chatmodel.StatusSent))
	release := make(chan struct{})
	c := New(Options{ViewerID: "alice", ConversationID: "c1", Sync: view, Marker: MarkerFunc(func(context.Context, string) (int, error) {
		<-release
		return 1, nil
	})})

	done := make(chan struct{})
	go func() {
		_, _ = c.MarkRead(context.Background())
		close(done)
	}()
	c.Close()
	close(release)
	<-done

	assert.True(t, view.HasUnreadInbound())
}
