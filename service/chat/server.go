// Package chat 浏览器 websocket 网关：把连接桥接到 realtime 频道。
package chat

import (
	"context"
	"sync"
	"time"

	"PPChat/logger"
	"PPChat/middleware"
	chatmodel "PPChat/module/chat/model"
	"PPChat/service/metrics"
	"PPChat/service/realtime"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ---- 常量参数（建议值） ----
const (
	defaultPingInterval = 25 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultOpTimeout    = 5 * time.Second
	defaultSendQueue    = 256
	defaultMaxFrame     = 64 << 10
)

type Options struct {
	Bus         realtime.Bus
	Presence    realtime.PresenceStore // 为空时 track 不可用
	PresenceTTL time.Duration
	Heartbeat   time.Duration

	Members Membership
	Origins middleware.OriginPolicy
	Manager ManagerConf

	SendQueue    int
	PingInterval time.Duration
	PongWait     time.Duration // 必须大于 PingInterval
	WriteWait    time.Duration
	OpTimeout    time.Duration
	MaxFrame     int64
}

func (o *Options) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = defaultSendQueue
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 12 / 5
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = defaultMaxFrame
	}
}

type Gateway struct {
	opts     Options
	access   Access
	conns    *ConnManager
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	watch *realtime.Client
}

func NewGateway(opts Options) *Gateway {
	opts.norm()
	return &Gateway{
		opts:   opts,
		access: Access{Members: opts.Members},
		conns:  NewConnManager(opts.Manager),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.Origins.CheckOrigin,
		},
		log: logger.Named("gateway"),
	}
}

func (g *Gateway) Conns() *ConnManager { return g.conns }

// Register 握手走统一鉴权（浏览器握手无法带头，令牌放 query ?token=）
func (g *Gateway) Register(rt *middleware.Router) {
	rt.GET("/v1/realtime", g.HandleWS, middleware.RouteOpt{IsAuth: true})
}

// Start 订阅全局 presence，把在线人数同步到指标
func (g *Gateway) Start(ctx context.Context) error {
	if g.opts.Presence == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.watch != nil {
		return nil
	}
	c := realtime.NewClient(g.opts.Bus, realtime.Options{Presence: g.opts.Presence, Logger: g.log})
	if err := c.Open(ctx); err != nil {
		return err
	}
	ch, err := c.Channel(chatmodel.PresenceChannel)
	if err != nil {
		_ = c.Close()
		return err
	}
	ch.OnPresenceSync(func(keys []string) { metrics.PresenceOnline.Set(float64(len(keys))) })
	if err := ch.Subscribe(ctx); err != nil {
		_ = c.Close()
		return err
	}
	g.watch = c
	g.log.Info("[Gateway] presence watcher started")
	return nil
}

// Close 关闭所有连接与 presence 监听
func (g *Gateway) Close() {
	g.conns.Close()
	g.mu.Lock()
	w := g.watch
	g.watch = nil
	g.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}
