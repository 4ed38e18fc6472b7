// Package presence tracks which users are online through the shared
// presence channel. Every sync replaces the whole set.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/service/realtime"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("presence: tracker closed")

type Tracker struct {
	t      realtime.Transport
	userID string
	log    *zap.Logger

	mu     sync.RWMutex
	online map[string]struct{}
	ch     *realtime.Channel
	closed bool

	onChange *realtime.Slot[[]string]
}

// New builds a tracker for userID. Start subscribes and tracks the user.
func New(t realtime.Transport, userID string) *Tracker {
	return &Tracker{
		t:        t,
		userID:   userID,
		log:      logger.Named("presence").With(zap.String("user", userID)),
		online:   map[string]struct{}{},
		onChange: realtime.NewSlot[[]string](nil),
	}
}

// Start subscribes the global presence channel and, once subscribed, tracks
// the local user. A failed track is logged; the tracker still follows the
// set of other users.
func (p *Tracker) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.ch != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ch, err := p.t.Channel(chatmodel.PresenceChannel, realtime.WithPresenceKey(p.userID))
	if err != nil {
		return err
	}
	ch.OnPresenceSync(p.Sync)
	if err := ch.Subscribe(ctx); err != nil {
		_ = p.t.RemoveChannel(ch)
		return err
	}

	p.mu.Lock()
	if p.closed || p.ch != nil {
		p.mu.Unlock()
		_ = p.t.RemoveChannel(ch)
		if p.closed {
			return ErrClosed
		}
		return nil
	}
	p.ch = ch
	p.mu.Unlock()

	if p.userID != "" {
		if err := ch.Track(ctx); err != nil {
			p.log.Warn("[Presence] track failed", zap.Error(err))
		}
	}
	return nil
}

// Sync replaces the online set with keys.
func (p *Tracker) Sync(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			next[k] = struct{}{}
		}
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.online = next
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.onChange.Fire(snap)
}

func (p *Tracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the sorted set of online user ids.
func (p *Tracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Tracker) snapshotLocked() []string {
	out := make([]string, 0, len(p.online))
	for k := range p.online {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Tracker) OnChange(h func(online []string)) {
	p.onChange.Set(h)
}

// Close untracks the user and leaves the channel.
func (p *Tracker) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()
	p.onChange.Clear()
	if ch != nil {
		if err := p.t.RemoveChannel(ch); err != nil {
			p.log.Debug("[Presence] leave failed", zap.Error(err))
		}
	}
}
