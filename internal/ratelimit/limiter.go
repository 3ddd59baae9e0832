// Package ratelimit 以 Redis Sorted Set 實作的滑動視窗限流。
//
// 設計考量：
//
// 為何使用滑動視窗而不是固定視窗？
//   - 固定視窗在邊界會放行兩倍流量（59 秒 60 次 + 61 秒 60 次）
//   - Sorted Set 以請求時間為分數，ZREMRANGEBYSCORE 即可丟掉視窗外的紀錄
//
// 原子性：
//   預設模式是 prune → count → record 三個獨立呼叫。
//   同一身分的並發請求可能讀到同一個舊計數而同時通過，
//   最壞情況多放行「並發數 - 1」個請求。
//   開啟 Atomic 後改用 Lua 腳本，在 Redis 端一次完成，沒有這個競爭。
//
// 降級策略：
//   Redis 不可用或逾時一律放行（fail-open）。
//   Trade-off: 可用性 > 精確限流
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/study-room-relay/internal/store"
)

// Category 路由類別
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryRoomCreate  Category = "room_create"
	CategoryLeaderboard Category = "leaderboard"
	CategoryDefault     Category = "default"
)

// Quota 單一類別的配額
type Quota struct {
	Max    int
	Window time.Duration
}

// DefaultQuotas 預設配額
func DefaultQuotas() map[Category]Quota {
	return map[Category]Quota{
		CategoryAuth:        {Max: 5, Window: time.Minute},
		CategoryRoomCreate:  {Max: 10, Window: time.Hour},
		CategoryLeaderboard: {Max: 30, Window: time.Minute},
		CategoryDefault:     {Max: 60, Window: time.Minute},
	}
}

// Classify 依路徑與方法決定限流類別
func Classify(method, path string) Category {
	switch {
	case strings.Contains(path, "/auth/"):
		return CategoryAuth
	case method == "POST" && strings.HasSuffix(strings.TrimSuffix(path, "/"), "/rooms"):
		return CategoryRoomCreate
	case strings.Contains(path, "leaderboard"):
		return CategoryLeaderboard
	default:
		return CategoryDefault
	}
}

// Decision 一次限流判斷的結果
type Decision struct {
	Allowed   bool
	Category  Category
	Limit     int
	Remaining int           // 本次請求計入之後還剩幾次
	Reset     time.Time     // now + window
	Window    time.Duration // 被拒絕時建議的重試間隔
}

// Limiter 滑動視窗限流器
type Limiter struct {
	store  *store.Client
	quotas map[Category]Quota
	atomic bool
	script *redis.Script
	now    func() time.Time
	logger *slog.Logger
}

// Option 限流器選項
type Option func(*Limiter)

// WithAtomic 使用 Lua 腳本在 Redis 端原子地完成判斷
func WithAtomic(atomic bool) Option {
	return func(l *Limiter) {
		l.atomic = atomic
	}
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Lua 腳本：滑動視窗演算法
//
// KEYS[1]: Sorted Set 的 key
// ARGV[1]: 視窗大小（毫秒）
// ARGV[2]: 限制數量
// ARGV[3]: 當前時間（毫秒時間戳記）
// ARGV[4]: 請求 ID
//
// 返回值：{是否放行, 放行前的計數}
var slidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local request_id = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, request_id)
    redis.call('PEXPIRE', key, window)
    return {1, count}
end
return {0, count}
`

// New 建立限流器；quotas 缺少的類別使用預設值
func New(s *store.Client, quotas map[Category]Quota, logger *slog.Logger, opts ...Option) *Limiter {
	merged := DefaultQuotas()
	for cat, q := range quotas {
		if q.Max > 0 && q.Window > 0 {
			merged[cat] = q
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		store:  s,
		quotas: merged,
		script: redis.NewScript(slidingWindowScript),
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Quota 類別的配額
func (l *Limiter) Quota(cat Category) Quota {
	if q, ok := l.quotas[cat]; ok {
		return q
	}
	return l.quotas[CategoryDefault]
}

// Allow 判斷 client 在 cat 類別下的請求是否放行
//
// 返回錯誤時 Decision.Allowed 一定是 true（fail-open），錯誤僅供記錄。
func (l *Limiter) Allow(ctx context.Context, cat Category, client string) (Decision, error) {
	quota := l.Quota(cat)
	now := l.now()

	decision := Decision{
		Allowed:   true,
		Category:  cat,
		Limit:     quota.Max,
		Remaining: quota.Max,
		Reset:     now.Add(quota.Window),
		Window:    quota.Window,
	}

	var (
		count   int64
		allowed bool
		err     error
	)
	key := store.RateKey(string(cat), client)
	if l.atomic {
		count, allowed, err = l.checkAtomic(ctx, key, quota, now)
	} else {
		count, allowed, err = l.check(ctx, key, quota, now)
	}
	if err != nil {
		return decision, err
	}

	decision.Allowed = allowed
	if !allowed {
		decision.Remaining = 0
		return decision, nil
	}

	decision.Remaining = max(0, quota.Max-int(count)-1)
	return decision, nil
}

// check 非原子的 prune → count → record
func (l *Limiter) check(ctx context.Context, key string, quota Quota, now time.Time) (int64, bool, error) {
	var (
		count   int64
		allowed bool
	)

	nowMs := now.UnixMilli()
	cutoff := nowMs - quota.Window.Milliseconds()

	err := l.store.Do(ctx, "ratelimit.check", func(ctx context.Context, rdb redis.Cmdable) error {
		// 移除視窗外的請求
		if err := rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
			return err
		}

		var err error
		count, err = rdb.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if count >= int64(quota.Max) {
			return nil
		}

		// member 必須唯一，避免同一毫秒的請求互相覆蓋
		if err := rdb.ZAdd(ctx, key, redis.Z{
			Score:  float64(nowMs),
			Member: uuid.NewString(),
		}).Err(); err != nil {
			return err
		}
		allowed = true
		return rdb.Expire(ctx, key, quota.Window).Err()
	})
	if err != nil {
		return 0, true, err
	}

	return count, allowed, nil
}

// checkAtomic 以 Lua 腳本完成判斷
func (l *Limiter) checkAtomic(ctx context.Context, key string, quota Quota, now time.Time) (int64, bool, error) {
	var result []int64

	err := l.store.Do(ctx, "ratelimit.check_atomic", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		result, err = l.script.Run(ctx, rdb, []string{key},
			quota.Window.Milliseconds(),
			quota.Max,
			now.UnixMilli(),
			uuid.NewString(),
		).Int64Slice()
		return err
	})
	if err != nil {
		return 0, true, err
	}
	if len(result) != 2 {
		return 0, true, nil
	}

	return result[1], result[0] == 1, nil
}
