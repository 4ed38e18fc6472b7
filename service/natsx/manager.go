package natsx

import (
	"context"
	"fmt"
	"time"
)

// NatsManager 统一门面：连接 + 生产 + 消费
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	sync     *NatsxSyncPublisher
	consumer *NatsxConsumer
}

// NewNatsManager 初始化；middlewares 作用于该 manager 的所有订阅
func NewNatsManager(cfg NatsxConfig, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	p := NewNatsxProducer(c)
	return &NatsManager{
		client:   c,
		producer: p,
		sync:     &NatsxSyncPublisher{P: p, Retries: 2, Backoff: 100 * time.Millisecond},
		consumer: NewNatsxConsumer(c, middlewares...),
	}, nil
}

// Close 释放资源（优雅关闭订阅与连接）
func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) Healthy() bool {
	return m != nil && m.client != nil && m.client.IsConnected()
}

// Publish 生产消息；msgID 非空时带 Nats-Msg-Id 并在失败时重试
func (m *NatsManager) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if m == nil || m.producer == nil {
		return fmt.Errorf("manager not initialized")
	}
	if msgID == "" {
		return m.producer.Publish(ctx, subject, data, nil)
	}
	return m.sync.Publish(ctx, subject, data, nil, msgID)
}

// Subscribe 订阅；queue 为空为广播
func (m *NatsManager) Subscribe(subject, queue string, h NatsxHandler, extra ...NatsxMiddleware) (*NatsxSubscription, error) {
	if m == nil || m.consumer == nil {
		return nil, fmt.Errorf("manager not initialized")
	}
	return m.consumer.Subscribe(subject, queue, h, extra...)
}
