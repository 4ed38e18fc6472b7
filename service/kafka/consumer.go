package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/service/realtime"
	"PPChat/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

type ConsumerGroupHandler struct {
	router *Router
	log    *zap.Logger
}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.log.Info("[Kafka] consumer group setup")
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("[Kafka] consumer group cleanup")
	return nil
}

func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.dispatch(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// dispatch 处理失败只记日志；变更通知可丢，订阅端重新加载快照即可恢复
func (h *ConsumerGroupHandler) dispatch(msg *sarama.ConsumerMessage) {
	handler, err := h.router.GetHandler(msg.Topic)
	if err != nil {
		h.log.Warn("[Kafka] no handler", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	safe.Run("kafka."+msg.Topic, func() {
		if err := handler(msg.Topic, msg.Key, msg.Value); err != nil {
			h.log.Warn("[Kafka] handler error",
				zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	})
}

// Relay 消费变更日志并转发给 sink（通常是 realtime.BusSink）
type Relay struct {
	cfg    Config
	router *Router
	log    *zap.Logger
}

func NewRelay(c Config, sink realtime.ChangeSink) *Relay {
	c.withDefaults()
	r := &Relay{cfg: c, router: NewRouter(), log: logger.Named("kafka")}
	r.router.RegisterHandler(c.Topic, ChangeHandler(sink))
	return r
}

// ChangeHandler 解码一条变更并转发
func ChangeHandler(sink realtime.ChangeSink) MessageHandler {
	return func(topic string, _, value []byte) error {
		var c realtime.Change
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("decode change from %s: %w", topic, err)
		}
		if c.Table == "" {
			return fmt.Errorf("change without table on %s", topic)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Emit(ctx, c); err != nil {
			return err
		}
		metrics.ChangesRelayed.WithLabelValues(c.Table).Inc()
		return nil
	}
}

// Run 阻塞消费直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, BuildBaseConfig(r.cfg))
	if err != nil {
		return fmt.Errorf("kafka consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	safe.Go("kafka.errors", func() {
		for err := range group.Errors() {
			r.log.Warn("[Kafka] consumer group error", zap.Error(err))
		}
	})

	handler := &ConsumerGroupHandler{router: r.router, log: r.log}
	topics := r.router.Topics()
	r.log.Info("[Kafka] relay started", zap.Strings("topics", topics), zap.String("group", r.cfg.GroupID))
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			r.log.Warn("[Kafka] consume error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
