package pg

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"PPChat/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// Config 连接池配置
type Config struct {
	URL      string
	MaxConns int32
	MaxRetry int
}

// Connect 建立连接池并 Ping；启动期数据库未就绪时按退避重试
func Connect(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(c.URL))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}

	log := logger.Named("pg")
	backoff := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("[Postgres] connected", zap.String("host", cfg.ConnConfig.Host), zap.Int32("maxConns", cfg.MaxConns))
				return pool, nil
			}
			pool.Close()
		}
		if attempt >= c.MaxRetry {
			return nil, fmt.Errorf("postgres: connect after %d attempts: %w", attempt, err)
		}
		log.Warn("[Postgres] connect failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// Migrate 执行内置建表语句（幂等）
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// normalizeDSN 兼容 postgresql+asyncpg:// 之类的写法
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, p := range []string{"postgresql+asyncpg://", "postgres+asyncpg://", "postgresql+pgx://", "postgres+pgx://"} {
		if strings.HasPrefix(s, p) {
			return "postgresql://" + strings.TrimPrefix(s, p)
		}
	}
	return s
}
