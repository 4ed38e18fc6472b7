package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PPChat/tools/ids"
	"PPChat/tools/safe"

	"go.uber.org/zap"
)

type Status int32

const (
	StatusIdle Status = iota
	StatusSubscribed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSubscribed:
		return "subscribed"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

type ChannelOption func(*Channel)

// WithReceiveOwn delivers this client's own broadcasts back to it.
func WithReceiveOwn() ChannelOption {
	return func(ch *Channel) { ch.receiveOwn = true }
}

// WithPresenceKey overrides the client key used by Track on this channel.
func WithPresenceKey(key string) ChannelOption {
	return func(ch *Channel) { ch.presenceKey = key }
}

type changeBinding struct {
	filter ChangeFilter
	slot   *Slot[Change]
}

// Channel is one named topic. Handlers are registered per event into
// latest-handler slots; Subscribe binds the bus once, Close unbinds it and
// turns every later delivery into a no-op.
type Channel struct {
	client      *Client
	name        string
	ref         string
	receiveOwn  bool
	presenceKey string

	mu        sync.Mutex
	status    Status
	broadcast map[string]*Slot[json.RawMessage]
	changes   []*changeBinding
	tables    map[string]bool
	presence  *Slot[[]string]
	state     []string
	subs      []Subscription
	tracked   bool
}

func newChannel(c *Client, name string, opts ...ChannelOption) *Channel {
	ch := &Channel{
		client:      c,
		name:        name,
		ref:         ids.GenerateString(),
		presenceKey: c.opts.Key,
		broadcast:   make(map[string]*Slot[json.RawMessage]),
		tables:      make(map[string]bool),
	}
	for _, o := range opts {
		o(ch)
	}
	return ch
}

func (ch *Channel) Name() string { return ch.name }

func (ch *Channel) Status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// OnBroadcast binds h to event. A second call for the same event replaces
// the handler in place.
func (ch *Channel) OnBroadcast(event string, h func(payload json.RawMessage)) *Slot[json.RawMessage] {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if s, ok := ch.broadcast[event]; ok {
		s.Set(h)
		return s
	}
	s := NewSlot(h)
	ch.broadcast[event] = s
	return s
}

// OnChange binds h to changes matching f. Bindings added after Subscribe
// start receiving right away.
func (ch *Channel) OnChange(f ChangeFilter, h func(Change)) (*Slot[Change], error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.status == StatusClosed {
		return nil, ErrChannelClosed
	}
	for _, b := range ch.changes {
		if b.filter == f {
			b.slot.Set(h)
			return b.slot, nil
		}
	}
	b := &changeBinding{filter: f, slot: NewSlot(h)}
	ch.changes = append(ch.changes, b)
	if ch.status == StatusSubscribed && !ch.tables[f.Table] {
		sub, err := ch.client.bus.Subscribe(ChangeSubject(f.Table), ch.deliver)
		if err != nil {
			return nil, err
		}
		ch.subs = append(ch.subs, sub)
		ch.tables[f.Table] = true
	}
	return b.slot, nil
}

// OnPresenceSync receives the full key set on every presence change.
func (ch *Channel) OnPresenceSync(h func(keys []string)) *Slot[[]string] {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.presence == nil {
		ch.presence = NewSlot(h)
	} else {
		ch.presence.Set(h)
	}
	return ch.presence
}

// Subscribe binds the channel to the bus. When presence sync is bound and a
// store is configured, the current snapshot is delivered right after.
func (ch *Channel) Subscribe(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.status {
	case StatusClosed:
		ch.mu.Unlock()
		return ErrChannelClosed
	case StatusSubscribed:
		ch.mu.Unlock()
		return nil
	}
	bus := ch.client.bus
	subs := make([]Subscription, 0, 1+len(ch.changes))
	fail := func(err error) error {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		ch.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", ch.name, err)
	}
	sub, err := bus.Subscribe(ChannelSubject(ch.name), ch.deliver)
	if err != nil {
		return fail(err)
	}
	subs = append(subs, sub)
	for _, b := range ch.changes {
		if ch.tables[b.filter.Table] {
			continue
		}
		sub, err := bus.Subscribe(ChangeSubject(b.filter.Table), ch.deliver)
		if err != nil {
			for t := range ch.tables {
				delete(ch.tables, t)
			}
			return fail(err)
		}
		subs = append(subs, sub)
		ch.tables[b.filter.Table] = true
	}
	ch.subs = subs
	ch.status = StatusSubscribed
	wantPresence := ch.presence != nil
	ch.mu.Unlock()

	if wantPresence && ch.client.opts.Presence != nil {
		keys, err := ch.client.opts.Presence.Snapshot(ctx, ch.name)
		if err != nil {
			ch.client.log.Warn("[Presence] initial snapshot failed", zap.String("channel", ch.name), zap.Error(err))
			return nil
		}
		ch.applyPresence(keys)
	}
	return nil
}

// Send broadcasts event with payload to every subscriber of the channel.
// Subscribing first is not required.
func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	if ch.Status() == StatusClosed {
		return ErrChannelClosed
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	env := Envelope{
		ID:      ids.UUID(),
		Kind:    KindBroadcast,
		Channel: ch.name,
		Event:   event,
		Origin:  ch.client.ID(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ch.client.bus.Publish(ctx, Message{Subject: ChannelSubject(ch.name), Data: data, ID: env.ID})
}

// Track announces the client's presence key on this channel.
func (ch *Channel) Track(ctx context.Context) error {
	store := ch.client.opts.Presence
	if store == nil || ch.presenceKey == "" {
		return ErrPresenceUnavailable
	}
	if ch.Status() == StatusClosed {
		return ErrChannelClosed
	}
	changed, err := store.Track(ctx, ch.name, ch.presenceKey, ch.ref, ch.client.opts.PresenceTTL)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.tracked = true
	ch.mu.Unlock()
	if changed {
		return ch.publishPresence(ctx)
	}
	return nil
}

func (ch *Channel) Untrack(ctx context.Context) error {
	store := ch.client.opts.Presence
	if store == nil || ch.presenceKey == "" {
		return ErrPresenceUnavailable
	}
	ch.mu.Lock()
	was := ch.tracked
	ch.tracked = false
	ch.mu.Unlock()
	if !was {
		return nil
	}
	changed, err := store.Untrack(ctx, ch.name, ch.presenceKey, ch.ref)
	if err != nil {
		return err
	}
	if changed {
		return ch.publishPresence(ctx)
	}
	return nil
}

// PresenceState is the last key set seen on this channel.
func (ch *Channel) PresenceState() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.state...)
}

// Close unbinds the channel. Safe to call more than once.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.status == StatusClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.status = StatusClosed
	subs := ch.subs
	ch.subs = nil
	tracked := ch.tracked
	ch.tracked = false
	for _, s := range ch.broadcast {
		s.Clear()
	}
	for _, b := range ch.changes {
		b.slot.Clear()
	}
	if ch.presence != nil {
		ch.presence.Clear()
	}
	ch.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if tracked {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		changed, err := ch.client.opts.Presence.Untrack(ctx, ch.name, ch.presenceKey, ch.ref)
		if err != nil {
			errs = append(errs, err)
		} else if changed {
			if err := ch.publishPresence(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		cancel()
	}
	ch.client.forget(ch)
	return errors.Join(errs...)
}

// refresh renews a tracked entry; called by the client heartbeat.
func (ch *Channel) refresh(ctx context.Context) error {
	ch.mu.Lock()
	tracked := ch.tracked && ch.status != StatusClosed
	ch.mu.Unlock()
	if !tracked {
		return nil
	}
	changed, err := ch.client.opts.Presence.Track(ctx, ch.name, ch.presenceKey, ch.ref, ch.client.opts.PresenceTTL)
	if err != nil {
		return err
	}
	if changed {
		return ch.publishPresence(ctx)
	}
	return nil
}

func (ch *Channel) publishPresence(ctx context.Context) error {
	keys, err := ch.client.opts.Presence.Snapshot(ctx, ch.name)
	if err != nil {
		return err
	}
	env := Envelope{ID: ids.UUID(), Kind: KindPresence, Channel: ch.name, Origin: ch.client.ID(), Presence: keys}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ch.client.bus.Publish(ctx, Message{Subject: ChannelSubject(ch.name), Data: data, ID: env.ID})
}

func (ch *Channel) deliver(msg Message) {
	if ch.Status() == StatusClosed {
		return
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		ch.client.log.Debug("drop malformed envelope", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	switch env.Kind {
	case KindBroadcast:
		if env.Channel != ch.name {
			return
		}
		if env.Origin == ch.client.ID() && !ch.receiveOwn {
			return
		}
		ch.mu.Lock()
		slot := ch.broadcast[env.Event]
		ch.mu.Unlock()
		safe.Run("broadcast:"+env.Event, func() { slot.Fire(env.Payload) })
	case KindChange:
		if env.Change == nil {
			return
		}
		ch.mu.Lock()
		var hit []*Slot[Change]
		for _, b := range ch.changes {
			if b.filter.Matches(*env.Change) {
				hit = append(hit, b.slot)
			}
		}
		ch.mu.Unlock()
		for _, s := range hit {
			safe.Run("change:"+env.Change.Table, func() { s.Fire(*env.Change) })
		}
	case KindPresence:
		if env.Channel != ch.name {
			return
		}
		ch.applyPresence(env.Presence)
	}
}

func (ch *Channel) applyPresence(keys []string) {
	ch.mu.Lock()
	if ch.status == StatusClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = append([]string(nil), keys...)
	slot := ch.presence
	ch.mu.Unlock()
	safe.Run("presence:"+ch.name, func() { slot.Fire(append([]string(nil), keys...)) })
}
