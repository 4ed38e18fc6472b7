// Package receipt marks inbound messages of an open direct conversation as
// read. At most one mark-read call is outstanding per view.
package receipt

import (
	"context"
	"errors"
	"sync/atomic"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/reconcile"

	"go.uber.org/zap"
)

var ErrInFlight = errors.New("receipt: mark-read already in flight")

// Marker performs the durable status change for the viewer.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string) (int, error)
}

type MarkerFunc func(ctx context.Context, conversationID string) (int, error)

func (f MarkerFunc) MarkRead(ctx context.Context, conversationID string) (int, error) {
	return f(ctx, conversationID)
}

// View is the local message list the coordinator reads and updates.
// *msgsync.Synchronizer implements it.
type View interface {
	Messages() []chatmodel.Message
	MarkInboundRead() int
}

type Options struct {
	ViewerID       string
	ConversationID string
	IsGroup        bool
	Marker         Marker
	Sync           View
}

type Coordinator struct {
	opts     Options
	log      *zap.Logger
	inFlight atomic.Bool
	closed   atomic.Bool
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		opts: opts,
		log:  logger.Named("receipt").With(zap.String("conversation", opts.ConversationID)),
	}
}

// ShouldMark reports whether messages hold something worth marking.
func (c *Coordinator) ShouldMark(messages []chatmodel.Message) bool {
	if c.closed.Load() || c.opts.IsGroup || c.opts.ConversationID == "" {
		return false
	}
	return reconcile.HasUnreadInbound(messages, c.opts.ViewerID)
}

// MarkRead issues the durable update. A concurrent call returns
// ErrInFlight without touching the store. On success the unread inbound
// messages of the view flip to read locally.
func (c *Coordinator) MarkRead(ctx context.Context) (int, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return 0, ErrInFlight
	}
	defer c.inFlight.Store(false)

	n, err := c.opts.Marker.MarkRead(ctx, c.opts.ConversationID)
	if err != nil {
		c.log.Warn("mark read failed", zap.Error(err))
		return 0, err
	}
	if !c.closed.Load() && c.opts.Sync != nil {
		c.opts.Sync.MarkInboundRead()
	}
	return n, nil
}

// MaybeMark marks when the view has unread inbound messages. It reports
// whether a call was made.
func (c *Coordinator) MaybeMark(ctx context.Context) (bool, error) {
	if c.opts.Sync == nil || !c.ShouldMark(c.opts.Sync.Messages()) {
		return false, nil
	}
	_, err := c.MarkRead(ctx)
	if errors.Is(err, ErrInFlight) {
		return false, nil
	}
	return true, err
}

// Close detaches the coordinator from its view. A call still in flight
// completes against the store only.
func (c *Coordinator) Close() {
	c.closed.Store(true)
}
