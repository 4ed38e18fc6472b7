// Package realtime is the publish/subscribe layer every live view rides on:
// named channels carrying broadcast events, table change notifications and
// presence snapshots over a pluggable Bus.
package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// Message is one delivery on a bus subject. ID, when set, identifies the
// message for duplicate suppression by the transport.
type Message struct {
	Subject string
	Data    []byte
	ID      string
}

// Subscription is a live bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the raw transport. Delivery is at-most-once and unordered across
// subjects; handlers for one subscription are invoked sequentially.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(subject string, h func(Message)) (Subscription, error)
}

var ErrBusClosed = errors.New("realtime: bus closed")

const subjectPrefix = "rt."

// ChannelSubject maps a channel name onto a bus subject.
func ChannelSubject(channel string) string {
	return subjectPrefix + sanitize(channel)
}

// ChangeSubject is the subject carrying change notifications for table.
func ChangeSubject(table string) string {
	return subjectPrefix + "changes." + sanitize(table)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// MemoryBus delivers in-process, synchronously on the publisher's goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func(Message)
	nextID atomic.Uint64
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]func(Message))}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	hs := make([]func(Message), 0, len(b.subs[msg.Subject]))
	for _, h := range b.subs[msg.Subject] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(Message{Subject: msg.Subject, Data: append([]byte(nil), msg.Data...), ID: msg.ID})
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, h func(Message)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.nextID.Add(1)
	m := b.subs[subject]
	if m == nil {
		m = make(map[uint64]func(Message))
		b.subs[subject] = m
	}
	m[id] = h
	return &memorySub{bus: b, subject: subject, id: id}, nil
}

// Subscribers reports the live subscription count for subject.
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]func(Message))
	b.mu.Unlock()
	return nil
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	id      uint64
	once    sync.Once
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if m := s.bus.subs[s.subject]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.bus.subs, s.subject)
			}
		}
	})
	return nil
}
