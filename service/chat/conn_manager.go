package chat

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrConnExists    = errors.New("snowID exists")
	ErrTooManyConns  = errors.New("exceeds max connections per user")
	ErrConnNotFound  = errors.New("snowID not found")
	errEmptySnowUser = errors.New("snowID/user empty")
)

// ===== 配置 =====

type ManagerConf struct {
	IdleTTL     time.Duration    // 无心跳多久视为失联（如 90s）
	SweepEvery  time.Duration    // 清理周期（如 10s）
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时是否淘汰最老连接（否则 Add 直接报错）
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 90 * time.Second
	}
}

// ===== 数据结构 =====

// Conn 连接管理器需要的会话能力，*Session 实现
type Conn interface {
	ID() string
	User() string
	Close()
}

type entry struct {
	conn      Conn
	createdAt time.Time
	heartbeat time.Time
}

type ConnManager struct {
	mu     sync.RWMutex
	bySnow map[string]*entry            // 主索引：snowID -> entry
	byUser map[string]map[string]*entry // 辅助索引：userID -> (snowID -> entry)

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

// ===== 构造/关闭 =====

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySnow: make(map[string]*entry),
		byUser: make(map[string]map[string]*entry),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Close 停止清理协程并关闭所有连接
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := make([]Conn, 0, len(m.bySnow))
	for _, e := range m.bySnow {
		all = append(all, e.conn)
	}
	m.bySnow = map[string]*entry{}
	m.byUser = map[string]map[string]*entry{}
	m.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

// Add 登记一条已鉴权连接；超过每用户上限时按配置淘汰最老连接或报错
func (m *ConnManager) Add(c Conn) error {
	if c == nil || c.ID() == "" || c.User() == "" {
		return errEmptySnowUser
	}
	now := m.conf.Clock()
	m.mu.Lock()
	if _, exists := m.bySnow[c.ID()]; exists {
		m.mu.Unlock()
		return ErrConnExists
	}
	evicted, err := m.ensureRoomForUserLocked(c.User())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e := &entry{conn: c, createdAt: now, heartbeat: now}
	m.bySnow[c.ID()] = e
	if m.byUser[c.User()] == nil {
		m.byUser[c.User()] = make(map[string]*entry)
	}
	m.byUser[c.User()][c.ID()] = e
	m.mu.Unlock()

	// 解锁后关闭被挤下线的连接
	if evicted != nil {
		evicted.Close()
	}
	return nil
}

// Heartbeat 刷新某条连接的心跳
func (m *ConnManager) Heartbeat(snowID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bySnow[snowID]
	if !ok {
		return ErrConnNotFound
	}
	e.heartbeat = now
	return nil
}

// Remove 从索引移除；不关闭连接（由连接自己收尾）
func (m *ConnManager) Remove(snowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(snowID)
}

func (m *ConnManager) removeLocked(snowID string) *entry {
	e, ok := m.bySnow[snowID]
	if !ok {
		return nil
	}
	delete(m.bySnow, snowID)
	user := e.conn.User()
	if mm := m.byUser[user]; mm != nil {
		delete(mm, snowID)
		if len(mm) == 0 {
			delete(m.byUser, user)
		}
	}
	return e
}

func (m *ConnManager) Get(snowID string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bySnow[snowID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Count 当前连接数
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySnow)
}

// UserConns 用户当前的连接 ID
func (m *ConnManager) UserConns(user string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byUser[user]))
	for sid := range m.byUser[user] {
		out = append(out, sid)
	}
	return out
}

// KickUser 关闭用户所有连接，返回数量
func (m *ConnManager) KickUser(user string) int {
	m.mu.Lock()
	var kicked []Conn
	for sid := range m.byUser[user] {
		if e := m.removeLocked(sid); e != nil {
			kicked = append(kicked, e.conn)
		}
	}
	m.mu.Unlock()
	for _, c := range kicked {
		c.Close()
	}
	return len(kicked)
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []Conn

	m.mu.Lock()
	for sid, e := range m.bySnow {
		if now.Sub(e.heartbeat) > m.conf.IdleTTL {
			// 收集后统一关闭，避免持锁期间关闭 socket
			m.removeLocked(sid)
			expired = append(expired, e.conn)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		c.Close()
	}
	return len(expired)
}

// ===== 最大连接数/挤下线 =====

// 需要在持锁状态下调用（*_Locked）
func (m *ConnManager) ensureRoomForUserLocked(user string) (Conn, error) {
	if m.conf.MaxPerUser <= 0 {
		return nil, nil
	}
	mm := m.byUser[user]
	if len(mm) < m.conf.MaxPerUser {
		return nil, nil
	}
	if !m.conf.EvictOldest {
		return nil, ErrTooManyConns
	}

	// 选择最老的一条淘汰（createdAt 更早）
	var oldest *entry
	for _, e := range mm {
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, nil
	}
	m.removeLocked(oldest.conn.ID())
	return oldest.conn, nil
}
