package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/chat")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("NATS_URL", "nats://n1:4222,nats://n2:4222")
	t.Setenv("PRESENCE_TTL", "30s")
	t.Setenv("PRESENCE_HEARTBEAT", "10s")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, Get())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.Presence.TTL)
	assert.Equal(t, "ppchat.changes", cfg.Kafka.ChangesTopic)
	assert.True(t, cfg.NatsEnabled())
	assert.True(t, cfg.RedisEnabled())
	assert.False(t, cfg.KafkaEnabled())
	assert.NotEmpty(t, cfg.JwtSecret())
}

func TestLoadRejectsBadHeartbeat(t *testing.T) {
	t.Setenv("PRESENCE_TTL", "10s")
	t.Setenv("PRESENCE_HEARTBEAT", "20s")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresRedisWithNats(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/chat")
	t.Setenv("NATS_URL", "nats://n1:4222")
	t.Setenv("REDIS_ADDR", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	t.Setenv("NATS_URL", "")
	_, err = Load()
	assert.NoError(t, err, "single node runs on in-process locks")
}

func TestOverlay(t *testing.T) {
	base := &AppConfig{}
	base.Postgres.URL = "postgres://local"
	base.JWT.Secret = "s"
	base.Log.Level = "info"
	base.Presence.TTL = 45 * time.Second
	base.Presence.Heartbeat = 15 * time.Second

	next, err := overlay(base, `{"log":{"level":"debug"},"presence":{"ttl":"1m"},"jwt":{"Secret":"remote"}}`)
	require.NoError(t, err)
	assert.Equal(t, "debug", next.Log.Level)
	assert.Equal(t, time.Minute, next.Presence.TTL)
	assert.Equal(t, 15*time.Second, next.Presence.Heartbeat)
	assert.Equal(t, "s", next.JWT.Secret, "secrets never come from remote")
	assert.Equal(t, "info", base.Log.Level, "base untouched")

	_, err = overlay(base, `{"presence":{"heartbeat":"2m"}}`)
	assert.Error(t, err)
	_, err = overlay(base, `not json`)
	assert.Error(t, err)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("nacos:8848")
	require.NoError(t, err)
	assert.Equal(t, "nacos", host)
	assert.Equal(t, uint64(8848), port)

	_, _, err = splitHostPort("nacos")
	assert.Error(t, err)
	_, _, err = splitHostPort("nacos:http")
	assert.Error(t, err)
}
