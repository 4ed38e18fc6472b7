package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"PPChat/logger"
	"PPChat/service/realtime"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// ChangeProducer 把存储层的行变更写入变更日志 topic（实现 realtime.ChangeSink）
type ChangeProducer struct {
	prod  sarama.SyncProducer
	topic string
	log   *zap.Logger
}

// NewChangeProducer 连接 broker 并创建同步生产者
func NewChangeProducer(c Config) (*ChangeProducer, error) {
	c.withDefaults()
	p, err := sarama.NewSyncProducer(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, fmt.Errorf("kafka sync producer: %w", err)
	}
	return NewChangeProducerWith(p, c.Topic), nil
}

// NewChangeProducerWith 使用已有的生产者（测试里传 mocks）
func NewChangeProducerWith(p sarama.SyncProducer, topic string) *ChangeProducer {
	return &ChangeProducer{prod: p, topic: topic, log: logger.Named("kafka")}
}

func (p *ChangeProducer) Emit(ctx context.Context, c realtime.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(PartitionKey(c)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("table"), Value: []byte(c.Table)},
			{Key: []byte("change-id"), Value: []byte(c.ID)},
		},
	}
	partition, offset, err := p.prod.SendMessage(msg)
	if err != nil {
		p.log.Warn("[Kafka] change emit failed", zap.String("table", c.Table), zap.Error(err))
		return err
	}
	p.log.Debug("[Kafka] change emitted",
		zap.String("table", c.Table), zap.String("type", string(c.Type)),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *ChangeProducer) Close() error {
	return p.prod.Close()
}

// PartitionKey 同一会话的变更落在同一分区；无会话字段时按表分区
func PartitionKey(c realtime.Change) string {
	for _, row := range []map[string]any{c.New, c.Old} {
		if v, ok := row["conversation_id"]; ok && v != nil {
			return c.Table + ":" + fmt.Sprint(v)
		}
	}
	return c.Table
}
