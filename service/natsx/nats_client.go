package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"PPChat/logger"

	"github.com/nats-io/nats.go"
)

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
	// 单订阅积压上限（消息数 / 字节）
	PendingMsgs  int
	PendingBytes int
}

// NatsxClient 统一客户端（Core 模式，无持久化）
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNatsxClient 连接 NATS
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PendingMsgs == 0 {
		cfg.PendingMsgs = 1_000_000
	}
	if cfg.PendingBytes == 0 {
		cfg.PendingBytes = 64 * 1024 * 1024
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("[Nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[Nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warnf("[Nats] async error subject=%s: %v", subject, err)
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	logger.Infof("[Nats] connected to %s", nc.ConnectedUrl())
	return &NatsxClient{
		cfg:  cfg,
		nc:   nc,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

// Close 优雅关闭（先 drain 订阅再 drain 连接）
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	for sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, sub)
	}
	c.mu.Unlock()
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *NatsxClient) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

func (c *NatsxClient) track(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
}

func (c *NatsxClient) untrack(sub *nats.Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}
