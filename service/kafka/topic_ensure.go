package kafka

import (
	"errors"
	"fmt"

	"PPChat/logger"

	"github.com/Shopify/sarama"
)

// EnsureTopics 会：
// 1) 不存在就按 cfg 创建；
// 2) 已存在且分区数 < 期望值时，执行 CreatePartitions 扩分区（Kafka 仅支持增加分区，不能减少）。
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, cfg Config) error {
	cfg.withDefaults()
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		minISR := "1"
		if cfg.ReplicationFactor >= 3 {
			minISR = "2" // rf>=3 则至少 2
		}

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     cfg.PartitionsPerTopic,
				ReplicationFactor: cfg.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
					logger.Infof("[Topic] exists (race): %s", t)
					continue
				}
				if errors.Is(err, sarama.ErrTopicAlreadyExists) {
					logger.Infof("[Topic] exists (race): %s", t)
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			logger.Infof("[Topic] created: %s (partitions=%d, rf=%d)", t, cfg.PartitionsPerTopic, cfg.ReplicationFactor)
			continue
		}

		curParts := int32(len(descs[0].Partitions))
		if cfg.PartitionsPerTopic > curParts {
			if err := admin.CreatePartitions(t, cfg.PartitionsPerTopic, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, curParts, cfg.PartitionsPerTopic, err)
			}
			logger.Infof("[Topic] partitions expanded: %s (%d -> %d)", t, curParts, cfg.PartitionsPerTopic)
		} else {
			logger.Infof("[Topic] exists: %s (partitions=%d)", t, curParts)
		}
	}
	return nil
}

// EnsureChangeTopic 启动时确保变更日志 topic 存在
func EnsureChangeTopic(cfg Config) error {
	cfg.withDefaults()
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, BuildBaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer func() { _ = admin.Close() }()
	return EnsureTopics(admin, []string{cfg.Topic}, cfg)
}

func strPtr(s string) *string { return &s }
