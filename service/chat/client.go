package chat

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/service/realtime"
	"PPChat/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 未指定 events 时转发的广播事件
var defaultEvents = []string{chatmodel.EventNewMessage, chatmodel.EventNewConversation, chatmodel.EventMessageUpdate}

// Session 一条浏览器连接。每条连接持有自己的 realtime.Client，
// 断开时随 Client 一并释放频道与 presence。
type Session struct {
	snowID string
	userID string
	remote net.Addr

	g    *Gateway
	ws   *websocket.Conn
	rt   *realtime.Client
	log  *zap.Logger
	send chan []byte // 每连接独立发送队列，单写协程消费

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*realtime.Channel

	closeOnce  sync.Once
	writerDone chan struct{}
}

func newSession(g *Gateway, snowID, userID string, ws *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		snowID:     snowID,
		userID:     userID,
		g:          g,
		ws:         ws,
		log:        g.log.With(zap.String("snowID", snowID), zap.String("user", userID)),
		send:       make(chan []byte, g.opts.SendQueue),
		ctx:        ctx,
		cancel:     cancel,
		channels:   make(map[string]*realtime.Channel),
		writerDone: make(chan struct{}),
	}
	if ws != nil {
		s.remote = ws.RemoteAddr()
	}
	s.rt = realtime.NewClient(g.opts.Bus, realtime.Options{
		ClientID:    snowID,
		Key:         userID,
		Presence:    g.opts.Presence,
		PresenceTTL: g.opts.PresenceTTL,
		Heartbeat:   g.opts.Heartbeat,
		Logger:      s.log,
	})
	return s
}

func (s *Session) ID() string   { return s.snowID }
func (s *Session) User() string { return s.userID }

// Close 释放频道并通知写协程收尾；可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.rt.Close(); err != nil {
			s.log.Debug("[WS] realtime close", zap.Error(err))
		}
	})
}

// push 非阻塞入队；队列满说明对端消费过慢，直接断开
func (s *Session) push(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Warn("[WS] marshal frame failed", zap.Error(err))
		return
	}
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	default:
		s.log.Warn("[WS] send queue full, closing", zap.Int("queue", cap(s.send)))
		go s.Close()
	}
}

// ---- 读写循环 ----

func (s *Session) readLoop() {
	o := s.g.opts
	s.ws.SetReadLimit(o.MaxFrame)
	_ = s.ws.SetReadDeadline(time.Now().Add(o.PongWait))
	s.ws.SetPongHandler(func(string) error {
		_ = s.g.conns.Heartbeat(s.snowID) // 连接可能刚好被清理
		return s.ws.SetReadDeadline(time.Now().Add(o.PongWait))
	})

	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("[WS] peer closed", zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("[WS] read timeout", zap.Error(err))
			} else if s.ctx.Err() == nil {
				s.log.Info("[WS] read err", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(o.PongWait))

		f, err := ParseFrame(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			s.log.Debug("[WS] ParseFrame err", zap.Error(err), zap.ByteString("sample", sample))
			var head struct {
				Ref string `json:"ref"`
			}
			_ = json.Unmarshal(data, &head)
			if !errs.Is(err, errs.InvalidArgument) {
				err = errs.ErrInvalidArgument.WrapMsg(err.Error())
			}
			s.push(replyErr(head.Ref, err))
			continue
		}
		if err := s.handle(f); err != nil {
			s.push(replyErr(f.Ref, err))
			continue
		}
		s.push(replyOK(f.Ref))
	}
}

func (s *Session) writeLoop() {
	o := s.g.opts
	ticker := time.NewTicker(o.PingInterval)
	defer func() {
		ticker.Stop()
		// 统一由写协程发 Close 并关闭底层连接
		_ = s.ws.SetWriteDeadline(time.Now().Add(o.WriteWait))
		_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.ws.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(o.WriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Info("[WS] write err", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.WriteWait)); err != nil {
				s.log.Info("[WS] ping err", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// ---- 帧处理 ----

func (s *Session) handle(f *Frame) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.g.opts.OpTimeout)
	defer cancel()

	switch f.Op {
	case OpPing:
		return s.g.conns.Heartbeat(s.snowID)
	case OpSubscribe:
		return s.subscribe(ctx, f)
	case OpUnsubscribe:
		return s.unsubscribe(f.Channel)
	case OpBroadcast:
		return s.broadcast(ctx, f)
	case OpTrack, OpUntrack:
		if err := s.g.access.CanTrack(f.Channel); err != nil {
			return err
		}
		ch := s.channel(f.Channel)
		if ch == nil {
			return errs.ErrInvalidArgument.WrapMsg("subscribe before tracking", "channel", f.Channel)
		}
		if f.Op == OpTrack {
			return ch.Track(ctx)
		}
		return ch.Untrack(ctx)
	}
	return errs.ErrInvalidArgument.WrapMsg("unsupported op", "op", string(f.Op))
}

func (s *Session) channel(name string) *realtime.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[name]
}

// subscribe 首次订阅建立频道；再次订阅同名频道只追加事件与变更绑定
func (s *Session) subscribe(ctx context.Context, f *Frame) error {
	name := f.Channel
	if err := s.g.access.CanSubscribe(ctx, s.userID, name); err != nil {
		return err
	}
	var filter *realtime.ChangeFilter
	if f.Filter != nil {
		cf, err := f.Filter.toFilter()
		if err != nil {
			return errs.ErrInvalidArgument.WrapMsg(err.Error())
		}
		if err := s.g.access.CanFilter(name, cf); err != nil {
			return err
		}
		filter = &cf
	}

	ch := s.channel(name)
	fresh := ch == nil
	if fresh {
		var err error
		ch, err = s.rt.Channel(name, realtime.WithPresenceKey(s.userID))
		if err != nil {
			return err
		}
	}

	events := f.Events
	if len(events) == 0 {
		events = defaultEvents
	}
	for _, ev := range events {
		ch.OnBroadcast(ev, func(p json.RawMessage) { s.push(eventFrame(name, ev, p)) })
	}
	if filter != nil {
		if _, err := ch.OnChange(*filter, func(c realtime.Change) { s.push(changeFrame(name, c)) }); err != nil {
			if fresh {
				_ = s.rt.RemoveChannel(ch)
			}
			return err
		}
	}
	if name == chatmodel.PresenceChannel {
		ch.OnPresenceSync(func(keys []string) { s.push(presenceFrame(name, keys)) })
	}
	if !fresh {
		return nil
	}

	if err := ch.Subscribe(ctx); err != nil {
		_ = s.rt.RemoveChannel(ch)
		return err
	}
	s.mu.Lock()
	s.channels[name] = ch
	s.mu.Unlock()
	return nil
}

func (s *Session) unsubscribe(name string) error {
	s.mu.Lock()
	ch := s.channels[name]
	delete(s.channels, name)
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	return s.rt.RemoveChannel(ch)
}

// broadcast 未订阅的频道走临时频道发送
func (s *Session) broadcast(ctx context.Context, f *Frame) error {
	if err := s.g.access.CanBroadcast(ctx, s.userID, f.Channel); err != nil {
		return err
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if ch := s.channel(f.Channel); ch != nil {
		return ch.Send(ctx, f.Event, payload)
	}
	ch, err := s.rt.Channel(f.Channel)
	if err != nil {
		return err
	}
	defer func() { _ = s.rt.RemoveChannel(ch) }()
	return ch.Send(ctx, f.Event, payload)
}
