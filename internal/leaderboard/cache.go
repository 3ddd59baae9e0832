// Package leaderboard XP 排行榜的快取與定期刷新
//
// 資料結構：
//
//	leaderboard:xp       ZSET  user → XP
//	leaderboard:xp:data  HASH  user → 顯示資料 JSON
//
// 兩個 key 共用同一個 TTL，由 Scheduler 定期整批替換。
// 快取不存在時呼叫端必須回退到記錄系統，不能當作「排行榜是空的」。
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/study-room-relay/internal/record"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	"github.com/koopa0/system-design/study-room-relay/pkg/logger"
)

const (
	// DefaultTopN 快取的名次數
	DefaultTopN = 50
	// DefaultTTL 快取存活時間
	DefaultTTL = 120 * time.Second
	// DefaultLimit 讀取時未指定數量的預設值
	DefaultLimit = 10
)

// Entry 排行榜項目
type Entry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	XP          int64  `json:"xp"`
	TeachingXP  int64  `json:"teaching_xp"`
	RoomCoins   int64  `json:"room_coins"`
}

// EntryFromProfile 從使用者資料轉換
func EntryFromProfile(p record.Profile) Entry {
	return Entry{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		XP:          p.XP,
		TeachingXP:  p.TeachingXP,
		RoomCoins:   p.RoomCoins,
	}
}

// metadata 存在 HASH 裡的顯示資料
type metadata struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	XP          int64  `json:"xp"`
	TeachingXP  int64  `json:"teaching_xp"`
	RoomCoins   int64  `json:"room_coins"`
}

// Source 排名資料來源
type Source interface {
	TopProfiles(ctx context.Context, limit int) ([]record.Profile, error)
}

// Cache 排行榜快取
type Cache struct {
	store  *store.Client
	source Source
	topN   int
	ttl    time.Duration
	logger *slog.Logger
}

// Option 快取選項
type Option func(*Cache)

// WithTopN 設定快取的名次數
func WithTopN(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.topN = n
		}
	}
}

// WithTTL 設定快取存活時間
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewCache 建立排行榜快取
func NewCache(s *store.Client, source Source, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:  s,
		source: source,
		topN:   DefaultTopN,
		ttl:    DefaultTTL,
		logger: logger.With("component", "leaderboard"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TopN 快取保存的名次數，超過此數量的讀取必須查記錄系統
func (c *Cache) TopN() int {
	return c.topN
}

// Refresh 從記錄系統拉取前 N 名並整批替換快取
//
// 新資料先寫入暫存 key，完成後在同一個交易內以 RENAME 換上。
// 任何一步失敗都保留原本的快取內容，暫存 key 盡力刪除（本身也帶 TTL）。
func (c *Cache) Refresh(ctx context.Context) error {
	start := time.Now()

	profiles, err := c.source.TopProfiles(ctx, c.topN)
	if err != nil {
		return fmt.Errorf("fetch top profiles: %w", err)
	}
	if len(profiles) == 0 {
		// 沒有資料時保留舊快取，讀取端照常回退
		return nil
	}

	members := make([]redis.Z, 0, len(profiles))
	fields := make(map[string]any, len(profiles))
	for _, p := range profiles {
		data, err := json.Marshal(metadata{
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			XP:          p.XP,
			TeachingXP:  p.TeachingXP,
			RoomCoins:   p.RoomCoins,
		})
		if err != nil {
			return fmt.Errorf("encode leaderboard entry: %w", err)
		}
		members = append(members, redis.Z{Score: float64(p.XP), Member: p.ID})
		fields[p.ID] = data
	}

	suffix := uuid.NewString()
	stagingRank := store.LeaderboardKey + ":staging:" + suffix
	stagingData := store.LeaderboardDataKey + ":staging:" + suffix

	err = c.store.Do(ctx, "leaderboard.refresh", func(ctx context.Context, rdb redis.Cmdable) error {
		if err := rdb.ZAdd(ctx, stagingRank, members...).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, stagingRank, c.ttl).Err(); err != nil {
			return err
		}
		if err := rdb.HSet(ctx, stagingData, fields).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, stagingData, c.ttl).Err(); err != nil {
			return err
		}

		// 兩個 RENAME 在同一個 MULTI/EXEC 內，排名與顯示資料不會只換一半
		_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Rename(ctx, stagingData, store.LeaderboardDataKey)
			pipe.Rename(ctx, stagingRank, store.LeaderboardKey)
			return nil
		})
		return err
	})
	if err != nil {
		c.discard(stagingRank, stagingData)
		return err
	}

	logger.Metrics(ctx, c.logger, "leaderboard.refresh", time.Since(start),
		slog.Int("entries", len(profiles)),
	)
	return nil
}

// GetCached 讀取前 limit 名
//
// 第二個返回值為 false 代表快取未命中（不存在、已過期或儲存不可用），
// 呼叫端應回退到記錄系統。
func (c *Cache) GetCached(ctx context.Context, limit int) ([]Entry, bool, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var entries []Entry
	err := c.store.Do(ctx, "leaderboard.get", func(ctx context.Context, rdb redis.Cmdable) error {
		exists, err := rdb.Exists(ctx, store.LeaderboardKey).Result()
		if err != nil || exists == 0 {
			return err
		}

		ranked, err := rdb.ZRevRangeWithScores(ctx, store.LeaderboardKey, 0, int64(limit-1)).Result()
		if err != nil || len(ranked) == 0 {
			return err
		}

		ids := make([]string, len(ranked))
		for i, z := range ranked {
			ids[i] = z.Member.(string)
		}

		values, err := rdb.HMGet(ctx, store.LeaderboardDataKey, ids...).Result()
		if err != nil {
			return err
		}

		entries = make([]Entry, 0, len(ranked))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// 與整批替換競爭時顯示資料可能暫時缺失，略過
				continue
			}
			var md metadata
			if err := json.Unmarshal([]byte(raw), &md); err != nil {
				c.logger.DebugContext(ctx, "skip undecodable leaderboard entry", "user_id", ids[i], "error", err)
				continue
			}
			entries = append(entries, Entry{
				ID:          ids[i],
				DisplayName: md.DisplayName,
				AvatarURL:   md.AvatarURL,
				XP:          int64(ranked[i].Score), // 以排名分數為準，包含 PatchScore 的更新
				TeachingXP:  md.TeachingXP,
				RoomCoins:   md.RoomCoins,
			})
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}

	return entries, true, nil
}

// PatchScore 更新單一使用者的分數，不做整批刷新
//
// 只更新已在排行榜內的使用者，不動顯示資料與 TTL。
// 快取不存在時不會建立出沒有 TTL 的 key。
func (c *Cache) PatchScore(ctx context.Context, userID string, score int64) error {
	return c.store.Do(ctx, "leaderboard.patch", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.ZAddXX(ctx, store.LeaderboardKey, redis.Z{Score: float64(score), Member: userID}).Err()
	})
}

// discard 盡力刪除暫存 key，使用獨立 context 以免請求已取消
func (c *Cache) discard(keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = c.store.Do(ctx, "leaderboard.discard", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Del(ctx, keys...).Err()
	})
}
