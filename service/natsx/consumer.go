package natsx

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

// NatsxConsumer 消费端
type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// NatsxSubscription 单个订阅句柄
type NatsxSubscription struct {
	c    *NatsxClient
	sub  *nats.Subscription
	once sync.Once
}

func (s *NatsxSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.c.untrack(s.sub)
		err = s.sub.Unsubscribe()
		if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
			err = nil
		}
	})
	return err
}

// Subscribe Core 订阅；queue 非空时同组分摊，为空则广播。
// extra 中间件套在全局中间件之内
func (cs *NatsxConsumer) Subscribe(subject, queue string, h NatsxHandler, extra ...NatsxMiddleware) (*NatsxSubscription, error) {
	mws := append(append([]NatsxMiddleware(nil), cs.mws...), extra...)
	h = NatsxChain(h, mws...)
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = cs.c.nc.Subscribe(subject, cb)
	} else {
		sub, err = cs.c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(cs.c.cfg.PendingMsgs, cs.c.cfg.PendingBytes)
	cs.c.track(sub)
	return &NatsxSubscription{c: cs.c, sub: sub}, nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
