// Package msgsync keeps the live message list of one open conversation. It
// merges the initial snapshot, optimistic local sends, broadcast inserts and
// status changes into a single list ordered by createdAt with unique ids.
package msgsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"PPChat/logger"
	"PPChat/module/chat/directory"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/reconcile"
	"PPChat/service/realtime"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("msgsync: synchronizer closed")

const publishTimeout = 5 * time.Second

// SendState is the lifecycle of one local send.
type SendState int

const (
	SendIdle SendState = iota
	SendOptimistic
	SendPending
	SendConfirmed
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendOptimistic:
		return "optimistic-appended"
	case SendPending:
		return "pending-confirm"
	case SendConfirmed:
		return "confirmed"
	case SendFailed:
		return "failed"
	}
	return "idle"
}

// Sender performs the durable write for the viewer.
type Sender interface {
	Send(ctx context.Context, p chatmodel.SendParams) (chatmodel.SendResult, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p chatmodel.SendParams) (chatmodel.SendResult, error)

func (f SenderFunc) Send(ctx context.Context, p chatmodel.SendParams) (chatmodel.SendResult, error) {
	return f(ctx, p)
}

type Options struct {
	ViewerID string
	// ConversationID may be empty or "new" for a first message to TargetUserID.
	ConversationID string
	TargetUserID   string
	Sender         Sender
	Transport      realtime.Transport
	Now            func() time.Time
	Location       *time.Location
}

type sendEntry struct {
	state   SendState
	content string
	typ     chatmodel.MessageType
	file    string
}

// Synchronizer is the message view of one conversation. It is safe for
// concurrent use; callbacks that arrive after Close are dropped.
type Synchronizer struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	convID   string
	target   string
	list     []chatmodel.Message
	sends    map[string]*sendEntry
	closed   bool
	msgCh    *realtime.Channel
	updCh    *realtime.Channel
	attached bool

	onChange *realtime.Slot[[]chatmodel.Message]
}

func New(opts Options) *Synchronizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	convID := opts.ConversationID
	if convID == chatmodel.NewConversationSentinel {
		convID = ""
	}
	return &Synchronizer{
		opts:     opts,
		log:      logger.Named("msgsync").With(zap.String("viewer", opts.ViewerID)),
		convID:   convID,
		target:   opts.TargetUserID,
		sends:    make(map[string]*sendEntry),
		onChange: realtime.NewSlot[[]chatmodel.Message](nil),
	}
}

// ConversationID is the current conversation, empty until the first send
// to a new peer is confirmed.
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// OnChange sets the handler receiving the list after every change.
func (s *Synchronizer) OnChange(h func([]chatmodel.Message)) {
	s.onChange.Set(h)
}

func (s *Synchronizer) Messages() []chatmodel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatmodel.Message(nil), s.list...)
}

// Groups buckets the current list by day, relative to the clock at call time.
func (s *Synchronizer) Groups() []reconcile.DayGroup {
	return reconcile.GroupByDay(s.Messages(), s.opts.Now(), s.opts.Location)
}

// SendState reports the state of the local send localID.
func (s *Synchronizer) SendState(localID string) SendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sends[localID]; ok {
		return e.state
	}
	return SendIdle
}

// update applies f under the lock and fires the change handler when f
// reports a change. It is a no-op once closed.
func (s *Synchronizer) update(f func() bool) bool {
	s.mu.Lock()
	if s.closed || !f() {
		s.mu.Unlock()
		return false
	}
	snap := append([]chatmodel.Message(nil), s.list...)
	s.mu.Unlock()
	s.onChange.Fire(snap)
	return true
}

// Load merges a snapshot. Entries already present, optimistic or not, are kept.
func (s *Synchronizer) Load(snapshot []chatmodel.Message) {
	s.update(func() bool {
		before := len(s.list)
		for _, m := range snapshot {
			if s.convID != "" && m.ConversationID != s.convID {
				continue
			}
			s.list, _ = reconcile.Insert(s.list, m)
		}
		return len(s.list) != before || before == 0
	})
}

// Apply merges a remote insert. Known ids and other conversations are ignored.
func (s *Synchronizer) Apply(m chatmodel.Message) bool {
	return s.update(func() bool {
		if m.ID == "" || s.convID == "" || m.ConversationID != s.convID {
			return false
		}
		if m.Status == "" {
			m.Status = chatmodel.StatusSent
		}
		var added bool
		s.list, added = reconcile.Insert(s.list, m)
		return added
	})
}

// ApplyStatus sets the status of a known message. Unknown ids are dropped.
func (s *Synchronizer) ApplyStatus(id string, status chatmodel.MessageStatus) bool {
	return s.update(func() bool {
		var changed bool
		s.list, changed = reconcile.SetStatus(s.list, id, status)
		return changed
	})
}

// MarkInboundRead flips unread inbound messages to read locally.
func (s *Synchronizer) MarkInboundRead() int {
	var n int
	s.update(func() bool {
		s.list, n = reconcile.MarkInboundRead(s.list, s.opts.ViewerID)
		return n > 0
	})
	return n
}

// HasUnreadInbound reports whether the viewer has unread messages from others.
func (s *Synchronizer) HasUnreadInbound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reconcile.HasUnreadInbound(s.list, s.opts.ViewerID)
}

// Send appends content optimistically and performs the durable write. The
// returned id is the local id; on failure the entry stays in the list with
// status failed and can be retried.
func (s *Synchronizer) Send(ctx context.Context, content string) (string, error) {
	return s.SendWith(ctx, chatmodel.SendParams{Content: content})
}

// SendWith is Send with an explicit type and attachment path.
func (s *Synchronizer) SendWith(ctx context.Context, p chatmodel.SendParams) (string, error) {
	content := strings.TrimSpace(p.Content)
	file := strings.TrimSpace(p.FilePath)
	if content == "" && file == "" {
		return "", errs.ErrInvalidArgument.WrapMsg("message cannot be empty")
	}
	typ := p.Type
	if typ == "" {
		typ = chatmodel.MessageText
	}

	localID := ids.LocalID()
	msg := chatmodel.Message{
		ID:        localID,
		SenderID:  s.opts.ViewerID,
		Type:      typ,
		CreatedAt: s.opts.Now(),
		Status:    chatmodel.StatusSent,
	}
	if content != "" {
		msg.Content = &content
	}
	if file != "" {
		msg.FileURL = &file
	}

	appended := s.update(func() bool {
		msg.ConversationID = s.convID
		s.list, _ = reconcile.Insert(s.list, msg)
		s.sends[localID] = &sendEntry{state: SendOptimistic, content: content, typ: typ, file: file}
		return true
	})
	if !appended {
		return "", ErrClosed
	}
	return localID, s.deliver(ctx, localID)
}

// Retry re-issues a failed send.
func (s *Synchronizer) Retry(ctx context.Context, localID string) error {
	var found bool
	s.update(func() bool {
		e, ok := s.sends[localID]
		if !ok || e.state != SendFailed {
			return false
		}
		found = true
		e.state = SendOptimistic
		s.list, _ = reconcile.SetStatus(s.list, localID, chatmodel.StatusSent)
		return true
	})
	if !found {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return errs.ErrNotFound.WrapMsg("no failed send", "id", localID)
	}
	return s.deliver(ctx, localID)
}

func (s *Synchronizer) deliver(ctx context.Context, localID string) error {
	s.mu.Lock()
	e := s.sends[localID]
	e.state = SendPending
	params := chatmodel.SendParams{
		ConversationID: s.convID,
		TargetUserID:   s.target,
		Content:        e.content,
		Type:           e.typ,
		FilePath:       e.file,
	}
	if params.ConversationID == "" {
		params.ConversationID = chatmodel.NewConversationSentinel
	}
	s.mu.Unlock()

	res, err := s.opts.Sender.Send(ctx, params)
	if err != nil {
		s.update(func() bool {
			e.state = SendFailed
			s.list, _ = reconcile.SetStatus(s.list, localID, chatmodel.StatusFailed)
			return true
		})
		s.log.Warn("send failed", zap.String("local", localID), zap.Error(err))
		return err
	}

	var (
		confirmed  chatmodel.Message
		retargeted bool
	)
	s.mu.Lock()
	if i := reconcile.IndexOf(s.list, localID); i >= 0 {
		confirmed = s.list[i]
	}
	s.mu.Unlock()
	// closed while the write was in flight: the view stays as it is, the
	// fan-out below still runs
	s.update(func() bool {
		e.state = SendConfirmed
		if s.convID != res.ConversationID {
			retargeted = true
			s.convID = res.ConversationID
		}
		s.list, _ = reconcile.Confirm(s.list, localID, res.MessageID, res.ConversationID)
		for j := range s.list {
			if s.list[j].ConversationID == "" {
				s.list[j].ConversationID = res.ConversationID
			}
		}
		return true
	})

	confirmed.ID = res.MessageID
	confirmed.ConversationID = res.ConversationID
	confirmed.Status = chatmodel.StatusSent
	if !res.CreatedAt.IsZero() {
		confirmed.CreatedAt = res.CreatedAt
	}
	s.announce(ctx, confirmed, res.CreatedConversation, retargeted)
	return nil
}

// announce broadcasts the confirmed message and, for a conversation created
// by this send, tells the peer's inbox about it.
func (s *Synchronizer) announce(ctx context.Context, m chatmodel.Message, created, retargeted bool) {
	t := s.opts.Transport
	if t == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	s.mu.Lock()
	attached := s.attached && !s.closed
	s.mu.Unlock()
	if retargeted && attached {
		if err := s.Attach(pctx); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Warn("re-attach after create failed", zap.String("conversation", m.ConversationID), zap.Error(err))
		}
	}

	if err := s.broadcast(pctx, m); err != nil {
		s.log.Warn("broadcast new-message failed", zap.String("message", m.ID), zap.Error(err))
	}

	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if created && target != "" {
		at := m.CreatedAt
		ev := chatmodel.NewConversationEvent{ConversationID: m.ConversationID, LastMessage: m.Content, LastMessageAt: &at}
		if err := directory.NotifyInbox(pctx, t, target, chatmodel.EventNewConversation, ev); err != nil {
			s.log.Warn("notify peer inbox failed", zap.String("peer", target), zap.Error(err))
		}
	}
}

func (s *Synchronizer) broadcast(ctx context.Context, m chatmodel.Message) error {
	s.mu.Lock()
	ch := s.msgCh
	s.mu.Unlock()
	if ch != nil && ch.Name() == chatmodel.ConversationChannel(m.ConversationID) {
		return ch.Send(ctx, chatmodel.EventNewMessage, m)
	}
	tmp, err := s.opts.Transport.Channel(chatmodel.ConversationChannel(m.ConversationID))
	if err != nil {
		return err
	}
	defer func() { _ = s.opts.Transport.RemoveChannel(tmp) }()
	return tmp.Send(ctx, chatmodel.EventNewMessage, m)
}

// Attach subscribes the conversation channel (new-message broadcasts) and
// the updates channel (status changes on messages). Calling it again
// replaces both channels, which is how a send that created the
// conversation moves the view onto it.
func (s *Synchronizer) Attach(ctx context.Context) error {
	t := s.opts.Transport
	if t == nil {
		return errs.ErrInvalidArgument.WrapMsg("no transport")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	convID := s.convID
	s.attached = true
	s.mu.Unlock()
	if convID == "" {
		// nothing to listen to until the first send creates the conversation
		return nil
	}

	msgCh, err := t.Channel(chatmodel.ConversationChannel(convID))
	if err != nil {
		return err
	}
	msgCh.OnBroadcast(chatmodel.EventNewMessage, func(raw json.RawMessage) {
		var m chatmodel.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Debug("drop malformed new-message", zap.Error(err))
			return
		}
		s.Apply(m)
	})

	updCh, err := t.Channel(chatmodel.ConversationUpdatesChannel(convID))
	if err != nil {
		_ = t.RemoveChannel(msgCh)
		return err
	}
	filter := realtime.ChangeFilter{Table: "messages", Type: realtime.ChangeUpdate, Column: "conversation_id", Value: convID}
	if _, err := updCh.OnChange(filter, func(c realtime.Change) {
		row, err := realtime.DecodeRow[chatmodel.Message](c.New)
		if err != nil {
			s.log.Debug("drop undecodable change", zap.String("change", c.ID), zap.Error(err))
			return
		}
		s.ApplyStatus(row.ID, chatmodel.NormalizeStatus(string(row.Status)))
	}); err != nil {
		_ = t.RemoveChannel(msgCh)
		_ = t.RemoveChannel(updCh)
		return err
	}

	for _, ch := range []*realtime.Channel{msgCh, updCh} {
		if err := ch.Subscribe(ctx); err != nil {
			_ = t.RemoveChannel(msgCh)
			_ = t.RemoveChannel(updCh)
			return err
		}
	}

	s.mu.Lock()
	if s.closed || s.convID != convID {
		s.mu.Unlock()
		_ = t.RemoveChannel(msgCh)
		_ = t.RemoveChannel(updCh)
		if s.closed {
			return ErrClosed
		}
		return nil
	}
	oldMsg, oldUpd := s.msgCh, s.updCh
	s.msgCh, s.updCh = msgCh, updCh
	s.mu.Unlock()
	if oldMsg != nil {
		_ = t.RemoveChannel(oldMsg)
	}
	if oldUpd != nil {
		_ = t.RemoveChannel(oldUpd)
	}
	return nil
}

// Close tears down the channels. Sends still in flight complete against
// the store and are still announced to peers, but no longer touch the view.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	msgCh, updCh := s.msgCh, s.updCh
	s.msgCh, s.updCh = nil, nil
	s.mu.Unlock()
	s.onChange.Clear()
	for _, ch := range []*realtime.Channel{msgCh, updCh} {
		if ch != nil {
			_ = ch.Close()
		}
	}
}
