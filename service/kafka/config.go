package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 变更日志所需的 Kafka 配置
type Config struct {
	Brokers               []string
	Topic                 string // 变更日志 topic
	GroupID               string // relay 消费组
	PartitionsPerTopic    int32
	ReplicationFactor     int16
	ProducerRetries       int
	ProducerCompression   string // none/snappy/lz4/zstd
	ConsumerInitialOffset string // newest/oldest
	KafkaVersion          sarama.KafkaVersion
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = "ppchat.changes"
	}
	if c.GroupID == "" {
		c.GroupID = "ppchat-relay"
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 5
	}
	if c.KafkaVersion == (sarama.KafkaVersion{}) {
		c.KafkaVersion = sarama.V2_1_0_0
	}
}

func BuildBaseConfig(c Config) *sarama.Config {
	c.withDefaults()
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // ★ 关键：Key 控制分区，同一会话的变更保持顺序
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(c.ConsumerInitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
