package directory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/reconcile"
	"PPChat/service/realtime"

	"go.uber.org/zap"
)

const fetchTimeout = 10 * time.Second

// Fetcher materializes a conversation discovered through the inbox channel.
type Fetcher interface {
	GetByID(ctx context.Context, viewerID, convID string) (*chatmodel.ConversationListItem, error)
}

// Inbox is the live conversation list of one user. It starts from a List
// snapshot and folds in new-conversation and message-update events from the
// user's inbox channel.
type Inbox struct {
	userID string
	fetch  Fetcher
	log    *zap.Logger

	mu       sync.Mutex
	items    []chatmodel.ConversationListItem
	known    map[string]struct{}
	fetching map[string]struct{}
	closed   bool
	ch       *realtime.Channel

	onChange *realtime.Slot[[]chatmodel.ConversationListItem]
}

func NewInbox(userID string, fetch Fetcher, initial []chatmodel.ConversationListItem) *Inbox {
	b := &Inbox{
		userID:   userID,
		fetch:    fetch,
		log:      logger.Named("inbox").With(zap.String("user", userID)),
		fetching: make(map[string]struct{}),
		onChange: realtime.NewSlot[[]chatmodel.ConversationListItem](nil),
	}
	b.reset(initial)
	return b
}

func (b *Inbox) reset(items []chatmodel.ConversationListItem) {
	b.items = append([]chatmodel.ConversationListItem(nil), items...)
	b.known = make(map[string]struct{}, len(items))
	for _, it := range items {
		b.known[it.ID] = struct{}{}
	}
}

// Reset replaces the list with a fresh snapshot.
func (b *Inbox) Reset(items []chatmodel.ConversationListItem) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.reset(items)
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.onChange.Fire(snap)
}

// Items returns a copy of the current list.
func (b *Inbox) Items() []chatmodel.ConversationListItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Inbox) snapshotLocked() []chatmodel.ConversationListItem {
	return append([]chatmodel.ConversationListItem(nil), b.items...)
}

// OnChange sets the handler receiving the list after every change.
func (b *Inbox) OnChange(h func([]chatmodel.ConversationListItem)) {
	b.onChange.Set(h)
}

// OnNewConversation fetches and prepends a conversation the user has not
// seen yet. Known ids and ids already being fetched are ignored.
func (b *Inbox) OnNewConversation(ctx context.Context, ev chatmodel.NewConversationEvent) {
	if ev.ConversationID == "" {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, ok := b.known[ev.ConversationID]; ok {
		b.mu.Unlock()
		return
	}
	if _, ok := b.fetching[ev.ConversationID]; ok {
		b.mu.Unlock()
		return
	}
	b.fetching[ev.ConversationID] = struct{}{}
	b.mu.Unlock()

	item, err := b.fetch.GetByID(ctx, b.userID, ev.ConversationID)

	b.mu.Lock()
	delete(b.fetching, ev.ConversationID)
	if b.closed {
		b.mu.Unlock()
		return
	}
	if err != nil || item == nil {
		b.mu.Unlock()
		b.log.Debug("new conversation fetch failed", zap.String("conversation", ev.ConversationID), zap.Error(err))
		return
	}
	if _, ok := b.known[item.ID]; ok {
		b.mu.Unlock()
		return
	}
	// a fetched row with a preview may already be ahead of the event
	switch {
	case ev.LastMessageAt != nil && (item.LastMessage == nil || !olderThan(*ev.LastMessageAt, item.LastMessageAt)):
		t := *ev.LastMessageAt
		item.LastMessageAt = &t
		if ev.LastMessage != nil {
			item.LastMessage = ev.LastMessage
		}
	case ev.LastMessageAt == nil && item.LastMessage == nil:
		item.LastMessage = ev.LastMessage
	}
	b.known[item.ID] = struct{}{}
	b.items = append([]chatmodel.ConversationListItem{*item}, b.items...)
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.onChange.Fire(snap)
}

// OnMessageUpdate refreshes preview and timestamp of a known conversation
// and re-sorts by activity. Updates older than the current preview are
// dropped, events may arrive in any order.
func (b *Inbox) OnMessageUpdate(ev chatmodel.MessageUpdateEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, ok := b.known[ev.ConversationID]; !ok {
		b.mu.Unlock()
		return
	}
	items := b.snapshotLocked()
	var changed bool
	for i := range items {
		if items[i].ID == ev.ConversationID && !olderThan(ev.CreatedAt, items[i].LastMessageAt) {
			items[i].LastMessage = ev.Content
			items[i].LastMessageAt = timePtr(ev.CreatedAt)
			changed = true
		}
	}
	if !changed {
		b.mu.Unlock()
		return
	}
	reconcile.SortByActivity(items)
	b.items = items
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.onChange.Fire(snap)
}

// Attach subscribes the user's inbox channel. The inbox owns the channel
// until Close.
func (b *Inbox) Attach(ctx context.Context, t realtime.Transport) error {
	ch, err := t.Channel(chatmodel.InboxChannel(b.userID))
	if err != nil {
		return err
	}
	ch.OnBroadcast(chatmodel.EventNewConversation, func(raw json.RawMessage) {
		var ev chatmodel.NewConversationEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			b.log.Debug("drop malformed new-conversation", zap.Error(err))
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		b.OnNewConversation(fctx, ev)
	})
	ch.OnBroadcast(chatmodel.EventMessageUpdate, func(raw json.RawMessage) {
		var ev chatmodel.MessageUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			b.log.Debug("drop malformed message-update", zap.Error(err))
			return
		}
		b.OnMessageUpdate(ev)
	})
	if err := ch.Subscribe(ctx); err != nil {
		_ = t.RemoveChannel(ch)
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = t.RemoveChannel(ch)
		return realtime.ErrChannelClosed
	}
	old := b.ch
	b.ch = ch
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close tears down the channel; events and fetches finishing later are
// dropped.
func (b *Inbox) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ch := b.ch
	b.ch = nil
	b.mu.Unlock()
	b.onChange.Clear()
	if ch != nil {
		_ = ch.Close()
	}
}

// NotifyInbox sends event to userID's inbox channel without subscribing to it.
func NotifyInbox(ctx context.Context, t realtime.Transport, userID, event string, payload any) error {
	ch, err := t.Channel(chatmodel.InboxChannel(userID))
	if err != nil {
		return err
	}
	defer func() { _ = t.RemoveChannel(ch) }()
	return ch.Send(ctx, event, payload)
}

func olderThan(t time.Time, cur *time.Time) bool {
	return cur != nil && t.Before(*cur)
}
