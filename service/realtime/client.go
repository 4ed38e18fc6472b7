package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPChat/logger"
	"PPChat/tools/ids"
	"PPChat/tools/safe"

	"go.uber.org/zap"
)

var (
	ErrClientNotOpen       = errors.New("realtime: client not open")
	ErrClientClosed        = errors.New("realtime: client closed")
	ErrChannelClosed       = errors.New("realtime: channel closed")
	ErrPresenceUnavailable = errors.New("realtime: presence not configured")
)

const (
	defaultPresenceTTL = 45 * time.Second
	defaultHeartbeat   = 15 * time.Second
)

// Transport hands out channels. *Client is the implementation; views depend
// on this so tests can swap in their own.
type Transport interface {
	Channel(name string, opts ...ChannelOption) (*Channel, error)
	RemoveChannel(ch *Channel) error
}

type Options struct {
	ClientID    string
	Key         string // presence key, normally the user id
	Presence    PresenceStore
	PresenceTTL time.Duration
	Heartbeat   time.Duration
	Logger      *zap.Logger
}

type clientState int

const (
	clientIdle clientState = iota
	clientOpen
	clientClosed
)

// Client owns the channels of one participant and their presence heartbeat.
// It is created explicitly, opened before use and closed on teardown.
type Client struct {
	bus  Bus
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	state    clientState
	channels map[*Channel]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewClient(bus Bus, opts Options) *Client {
	if opts.ClientID == "" {
		opts.ClientID = ids.GenerateString()
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaultPresenceTTL
	}
	if opts.Heartbeat <= 0 || opts.Heartbeat >= opts.PresenceTTL {
		opts.Heartbeat = opts.PresenceTTL / 3
	}
	l := opts.Logger
	if l == nil {
		l = logger.Named("realtime")
	}
	return &Client{
		bus:      bus,
		opts:     opts,
		log:      l.With(zap.String("client", opts.ClientID)),
		channels: make(map[*Channel]struct{}),
	}
}

func (c *Client) ID() string  { return c.opts.ClientID }
func (c *Client) Key() string { return c.opts.Key }

// Open starts the presence heartbeat. Opening an open client is a no-op.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case clientOpen:
		return nil
	case clientClosed:
		return ErrClientClosed
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = clientOpen
	if c.opts.Presence != nil {
		go c.heartbeat(hbCtx, c.done)
	} else {
		close(c.done)
	}
	return nil
}

// Close tears down every channel. Further use returns ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == clientClosed {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state == clientOpen
	c.state = clientClosed
	chs := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		chs = append(chs, ch)
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	var errs []error
	for _, ch := range chs {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if wasOpen {
		cancel()
		<-done
	}
	return errors.Join(errs...)
}

// Channel creates a new channel bound to name. Several channels may share a
// name; each is torn down on its own.
func (c *Client) Channel(name string, opts ...ChannelOption) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case clientIdle:
		return nil, ErrClientNotOpen
	case clientClosed:
		return nil, ErrClientClosed
	}
	ch := newChannel(c, name, opts...)
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Client) RemoveChannel(ch *Channel) error {
	if ch == nil {
		return nil
	}
	return ch.Close()
}

// Channels is the number of live channels.
func (c *Client) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *Client) forget(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}

func (c *Client) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			chs := make([]*Channel, 0, len(c.channels))
			for ch := range c.channels {
				chs = append(chs, ch)
			}
			c.mu.Unlock()
			for _, ch := range chs {
				ch := ch
				safe.Run("presence-heartbeat", func() {
					if err := ch.refresh(ctx); err != nil && ctx.Err() == nil {
						c.log.Warn("[Presence] heartbeat failed", zap.String("channel", ch.Name()), zap.Error(err))
					}
				})
			}
		}
	}
}
