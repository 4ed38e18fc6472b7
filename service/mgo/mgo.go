package mgo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type MongoManager struct {
	cfg       *mongoutil.Config
	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
	log     *zap.Logger
}

func NewManager(cfg *mongoutil.Config) *MongoManager {
	return &MongoManager{cfg: cfg, readyCh: make(chan struct{}), log: logger.Named("mongo")}
}

// StartAsync 一直运行到 ctx.Done()；首次连上时 close readyCh，后续掉线会自动重连
func (m *MongoManager) StartAsync(ctx context.Context) {
	go func() {
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second // 健康检查周期
			failThresh  = 3                // 连续失败阈值
		)

		for {
			// ===== 连接阶段（带退避重试） =====
			attempt := 0
			for {
				if ctx.Err() != nil {
					return
				}
				cli, err := mongoutil.NewMongoDB(ctx, m.cfg)
				if err == nil {
					m.setClient(cli)
					m.readyOnce.Do(func() { close(m.readyCh) })
					m.log.Info("[Mongo] connected", zap.String("db", m.cfg.Database))
					break
				}
				m.lastErr.Store(err)
				m.log.Warn("[Mongo] connect failed", zap.Int("attempt", attempt), zap.Error(err))

				// 退避 + 抖动
				backoff := baseBackoff << attempt
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				jitter := time.Duration(rand.Int63n(int64(backoff / 5))) // 0~20%
				timer := time.NewTimer(backoff - jitter/2)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				if attempt < 6 {
					attempt++
				}
			}

			// ===== 健康检查阶段（保持/掉线→重连）=====
			fail := 0
			ticker := time.NewTicker(healthEvery)
			func() {
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						m.disconnect()
						return
					case <-ticker.C:
						c := m.current()
						if c == nil {
							return
						}
						if err := c.Ping(ctx); err != nil {
							fail++
							m.lastErr.Store(err)
							if fail >= failThresh {
								m.log.Warn("[Mongo] health check failed, reconnecting", zap.Error(err))
								m.disconnect()
								return
							}
						} else {
							fail = 0
						}
					}
				}
			}()
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

func (m *MongoManager) setClient(c *mongoutil.Client) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

func (m *MongoManager) current() *mongoutil.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

func (m *MongoManager) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
}

// Ready 首次连接成功时会 close；可 select 等待
func (m *MongoManager) Ready() <-chan struct{} {
	return m.readyCh
}

// Err 最近一次错误
func (m *MongoManager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (m *MongoManager) TryGetDB() (*mongo.Database, bool) {
	c := m.current()
	if c == nil {
		return nil, false
	}
	return c.GetDB(), true
}

func (m *MongoManager) Healthy() bool {
	return m.current() != nil
}

func (m *MongoManager) WaitReady(ctx context.Context) error {
	if m.current() != nil {
		return nil
	}
	if m.readyCh == nil {
		return fmt.Errorf("mongo manager not started")
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
