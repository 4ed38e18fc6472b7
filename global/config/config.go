package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"PPChat/logger"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

var (
	mu     sync.RWMutex
	global *AppConfig
)

// Load 读取 .env（可选）与环境变量，并设为全局配置
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("[Config] .env not loaded: %v", err)
	}
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set(cfg)
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Postgres.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.NatsEnabled() && !c.RedisEnabled() {
		// 多节点时建会话锁和去重必须共享
		return errors.New("REDIS_ADDR is required when NATS_URL is set")
	}
	if c.Presence.TTL > 0 && c.Presence.Heartbeat >= c.Presence.TTL {
		return fmt.Errorf("PRESENCE_HEARTBEAT (%s) must be shorter than PRESENCE_TTL (%s)", c.Presence.Heartbeat, c.Presence.TTL)
	}
	return nil
}

// Get 当前生效配置（可能被远端覆盖过）
func Get() *AppConfig {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func set(cfg *AppConfig) {
	mu.Lock()
	global = cfg
	mu.Unlock()
}

func (c *AppConfig) JwtSecret() []byte { return []byte(c.JWT.Secret) }

func (c *AppConfig) RedisEnabled() bool { return c.Redis.Addr != "" }
func (c *AppConfig) NatsEnabled() bool  { return len(c.Nats.URLs) > 0 }
func (c *AppConfig) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }
func (c *AppConfig) MongoEnabled() bool { return c.Mongo.URI != "" }
func (c *AppConfig) NacosEnabled() bool { return c.Nacos.Addr != "" }
