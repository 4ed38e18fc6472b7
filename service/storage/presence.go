package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== 配置 =====

// PresenceConfig Redis 在线状态存储
type PresenceConfig struct {
	Prefix        string // key 前缀，默认 rt:presence:
	UseClusterTag bool   // 是否使用 Redis Cluster hash-tag 对齐
}

// 成员格式 <key>\x1f<ref>，score = 过期时间(ms)
const memberSep = "\x1f"

// ===== Lua 脚本 =====

// 公共片段：清理过期成员，返回被清理成员与剩余成员的 key 集合
const luaPresenceCommon = `
local z   = KEYS[1]
local now = tonumber(ARGV[1])
local sep = ARGV[2]

local function keysOf(list)
  local set = {}
  for _, m in ipairs(list) do
    local i = string.find(m, sep, 1, true)
    if i then set[string.sub(m, 1, i - 1)] = true end
  end
  return set
end

local victims = redis.call("ZRANGEBYSCORE", z, "-inf", now)
if #victims > 0 then
  redis.call("ZREMRANGEBYSCORE", z, "-inf", now)
end
local swept = keysOf(victims)
`

// 登记/续期一个连接
// KEYS[1] = channel zset
// ARGV[1] = nowMs  ARGV[2] = sep  ARGV[3] = key  ARGV[4] = member  ARGV[5] = expireAtMs  ARGV[6] = ttlMs
// 返回：1 可见 key 集合有变化；0 无变化
const luaPresenceTrack = luaPresenceCommon + `
local key    = ARGV[3]
local member = ARGV[4]
local expAt  = tonumber(ARGV[5])
local ttl    = tonumber(ARGV[6])

local live = keysOf(redis.call("ZRANGE", z, 0, -1))
local changed = 0
for k, _ in pairs(swept) do
  if not live[k] then changed = 1 end
end
if not live[key] then changed = 1 end

redis.call("ZADD", z, expAt, member)
redis.call("PEXPIRE", z, ttl * 2)
return changed
`

// 注销一个连接
// KEYS[1] = channel zset
// ARGV[1] = nowMs  ARGV[2] = sep  ARGV[3] = key  ARGV[4] = member
// 返回：1 可见 key 集合有变化；0 无变化
const luaPresenceUntrack = luaPresenceCommon + `
local key    = ARGV[3]
local member = ARGV[4]

local removed = redis.call("ZREM", z, member)
local live = keysOf(redis.call("ZRANGE", z, 0, -1))
local changed = 0
for k, _ in pairs(swept) do
  if not live[k] then changed = 1 end
end
if removed == 1 and not live[key] then changed = 1 end
return changed
`

// 清理过期并返回仍有效的成员
// KEYS[1] = channel zset
// ARGV[1] = nowMs  ARGV[2] = sep
const luaPresenceSnapshot = luaPresenceCommon + `
return redis.call("ZRANGE", z, 0, -1)
`

var (
	presenceTrackScript    = redis.NewScript(luaPresenceTrack)
	presenceUntrackScript  = redis.NewScript(luaPresenceUntrack)
	presenceSnapshotScript = redis.NewScript(luaPresenceSnapshot)
)

// RedisPresence 以每个频道一个 ZSET 保存在线连接，多网关实例共享
type RedisPresence struct {
	rdb *redis.Client
	cfg PresenceConfig
	now func() time.Time
}

func NewRedisPresence(rdb *redis.Client, cfg PresenceConfig) *RedisPresence {
	if cfg.Prefix == "" {
		cfg.Prefix = "rt:presence:"
	}
	return &RedisPresence{rdb: rdb, cfg: cfg, now: time.Now}
}

func (p *RedisPresence) zkey(channel string) string {
	if p.cfg.UseClusterTag {
		return p.cfg.Prefix + "{" + channel + "}"
	}
	return p.cfg.Prefix + channel
}

func (p *RedisPresence) Track(ctx context.Context, channel, key, ref string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errs.ErrInvalidArgument.WrapMsg("presence key is empty")
	}
	now := p.now()
	n, err := presenceTrackScript.Run(ctx, p.rdb, []string{p.zkey(channel)},
		now.UnixMilli(), memberSep, key, key+memberSep+ref, now.Add(ttl).UnixMilli(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, errs.ErrStoreFailure.WrapMsg("presence track: "+err.Error(), "channel", channel)
	}
	return n == 1, nil
}

func (p *RedisPresence) Untrack(ctx context.Context, channel, key, ref string) (bool, error) {
	n, err := presenceUntrackScript.Run(ctx, p.rdb, []string{p.zkey(channel)},
		p.now().UnixMilli(), memberSep, key, key+memberSep+ref,
	).Int64()
	if err != nil {
		return false, errs.ErrStoreFailure.WrapMsg("presence untrack: "+err.Error(), "channel", channel)
	}
	return n == 1, nil
}

// Snapshot 返回去重并排序后的在线 key
func (p *RedisPresence) Snapshot(ctx context.Context, channel string) ([]string, error) {
	members, err := presenceSnapshotScript.Run(ctx, p.rdb, []string{p.zkey(channel)},
		p.now().UnixMilli(), memberSep,
	).StringSlice()
	if err != nil {
		return nil, errs.ErrStoreFailure.WrapMsg("presence snapshot: "+err.Error(), "channel", channel)
	}
	return distinctKeys(members), nil
}

func distinctKeys(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		k, _, ok := strings.Cut(m, memberSep)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
