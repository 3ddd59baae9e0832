// Package presence 追蹤房間在線名單與全域在線狀態
//
// 資料結構（見 store/keys.go）：
//
//	presence:{room}       HASH  user → 顯示名稱
//	presence_seen:{room}  ZSET  user → 最後一次 join/心跳的時間（毫秒）
//	user_rooms:{user}     SET   使用者所在房間
//	online:{user}         STRING 全域在線旗標
//
// 為何多一個 ZSET？
//   - Redis 的 TTL 只能設在整個 key 上，HASH 內單一欄位無法各自過期
//   - 只用 HASH 時，任何一人的心跳都會讓整個房間（包含已離線的人）續命
//   - ZSET 以時間為分數，讀取時只取 TTL 內的成員，過期是「讀到才算」
//
// 兩個 key 本身也帶 TTL，房間沒有任何心跳時整個消失，不需要清掃程序。
//
// 所有操作都是獨立、非交易的 Redis 呼叫。中途失敗留下的狀態靠 TTL 自癒。
// 每個方法都返回可直接使用的值；錯誤只用於日誌與觀測。
package presence

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/study-room-relay/internal/store"
)

const (
	// DefaultTTL 沒有心跳時在線狀態的存活時間
	DefaultTTL = 90 * time.Second
	// DefaultTypingTTL 輸入中旗標的存活時間
	DefaultTypingTTL = 3 * time.Second
)

// Member 在線成員
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Tracker 在線狀態追蹤器
type Tracker struct {
	store     *store.Client
	ttl       time.Duration
	typingTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option 追蹤器選項
type Option func(*Tracker)

// WithTypingTTL 設定輸入中旗標的 TTL
func WithTypingTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.typingTTL = d
		}
	}
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New 建立追蹤器
func New(s *store.Client, ttl time.Duration, logger *slog.Logger, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		store:     s,
		ttl:       ttl,
		typingTTL: DefaultTypingTTL,
		now:       time.Now,
		logger:    logger.With("component", "presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL 在線狀態的存活時間
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Join 標記使用者在房間內在線，返回目前在線的使用者
func (t *Tracker) Join(ctx context.Context, roomID, userID, displayName string) ([]string, error) {
	now := t.now()

	err := t.store.Do(ctx, "presence.join", func(ctx context.Context, rdb redis.Cmdable) error {
		t.pruneStale(ctx, rdb, roomID, now)

		if err := rdb.HSet(ctx, store.PresenceKey(roomID), userID, displayName).Err(); err != nil {
			return err
		}
		if err := rdb.ZAdd(ctx, store.PresenceSeenKey(roomID), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: userID,
		}).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, store.PresenceKey(roomID), t.ttl).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, store.PresenceSeenKey(roomID), t.ttl).Err(); err != nil {
			return err
		}

		// 記錄使用者所在的房間
		if err := rdb.SAdd(ctx, store.UserRoomsKey(userID), roomID).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, store.UserRoomsKey(userID), t.ttl).Err(); err != nil {
			return err
		}

		return rdb.Set(ctx, store.OnlineKey(userID), "1", t.ttl).Err()
	})
	if err != nil {
		return []string{}, err
	}

	return t.ListOnline(ctx, roomID)
}

// Leave 移除使用者在房間內的在線狀態，返回剩餘的在線使用者
//
// 使用者不在任何房間時清除全域在線旗標。
func (t *Tracker) Leave(ctx context.Context, roomID, userID string) ([]string, error) {
	err := t.store.Do(ctx, "presence.leave", func(ctx context.Context, rdb redis.Cmdable) error {
		if err := rdb.HDel(ctx, store.PresenceKey(roomID), userID).Err(); err != nil {
			return err
		}
		if err := rdb.ZRem(ctx, store.PresenceSeenKey(roomID), userID).Err(); err != nil {
			return err
		}
		if err := rdb.SRem(ctx, store.UserRoomsKey(userID), roomID).Err(); err != nil {
			return err
		}

		remaining, err := rdb.SCard(ctx, store.UserRoomsKey(userID)).Result()
		if err != nil {
			return err
		}
		if remaining == 0 {
			return rdb.Del(ctx, store.OnlineKey(userID)).Err()
		}
		return nil
	})
	if err != nil {
		return []string{}, err
	}

	return t.ListOnline(ctx, roomID)
}

// Heartbeat 續期房間在線狀態與全域在線旗標
//
// 心跳代表連接仍然存在，因此記錄已被清除（過期或被舊連接的 Leave 刪掉）時會重新寫回，
// 名稱為空時不覆寫既有的名稱欄位。
func (t *Tracker) Heartbeat(ctx context.Context, roomID, userID, displayName string) error {
	now := t.now()

	return t.store.Do(ctx, "presence.heartbeat", func(ctx context.Context, rdb redis.Cmdable) error {
		if displayName != "" {
			if err := rdb.HSet(ctx, store.PresenceKey(roomID), userID, displayName).Err(); err != nil {
				return err
			}
		}
		if err := rdb.ZAdd(ctx, store.PresenceSeenKey(roomID), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: userID,
		}).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, store.PresenceKey(roomID), t.ttl).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, store.PresenceSeenKey(roomID), t.ttl).Err(); err != nil {
			return err
		}
		if err := rdb.SAdd(ctx, store.UserRoomsKey(userID), roomID).Err(); err != nil {
			return err
		}
		if err := rdb.Expire(ctx, store.UserRoomsKey(userID), t.ttl).Err(); err != nil {
			return err
		}
		return rdb.Set(ctx, store.OnlineKey(userID), "1", t.ttl).Err()
	})
}

// ListOnline 房間內在 TTL 內有活動的使用者（依 ID 排序）
func (t *Tracker) ListOnline(ctx context.Context, roomID string) ([]string, error) {
	var ids []string

	err := t.store.Do(ctx, "presence.list", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		ids, err = rdb.ZRangeByScore(ctx, store.PresenceSeenKey(roomID), t.liveRange()).Result()
		return err
	})
	if err != nil || len(ids) == 0 {
		return []string{}, err
	}

	sort.Strings(ids)
	return ids, nil
}

// ListOnlineWithNames 房間內在線的使用者與顯示名稱
func (t *Tracker) ListOnlineWithNames(ctx context.Context, roomID string) ([]Member, error) {
	members := []Member{}

	err := t.store.Do(ctx, "presence.list_names", func(ctx context.Context, rdb redis.Cmdable) error {
		ids, err := rdb.ZRangeByScore(ctx, store.PresenceSeenKey(roomID), t.liveRange()).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		sort.Strings(ids)

		names, err := rdb.HMGet(ctx, store.PresenceKey(roomID), ids...).Result()
		if err != nil {
			return err
		}
		for i, id := range ids {
			// 名稱欄位缺失代表 join 只完成一半，視為不在線
			name, ok := names[i].(string)
			if !ok {
				continue
			}
			members = append(members, Member{UserID: id, DisplayName: name})
		}
		return nil
	})
	if err != nil {
		return []Member{}, err
	}

	return members, nil
}

// IsOnlineGlobally 使用者是否在任何房間在線
func (t *Tracker) IsOnlineGlobally(ctx context.Context, userID string) (bool, error) {
	var n int64

	err := t.store.Do(ctx, "presence.online", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		n, err = rdb.Exists(ctx, store.OnlineKey(userID)).Result()
		return err
	})
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// SetTyping 設定輸入中旗標
func (t *Tracker) SetTyping(ctx context.Context, roomID, userID, displayName string) error {
	return t.store.Do(ctx, "presence.typing_set", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Set(ctx, store.TypingKey(roomID, userID), displayName, t.typingTTL).Err()
	})
}

// ClearTyping 清除輸入中旗標
func (t *Tracker) ClearTyping(ctx context.Context, roomID, userID string) error {
	return t.store.Do(ctx, "presence.typing_clear", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Del(ctx, store.TypingKey(roomID, userID)).Err()
	})
}

// IsTyping 輸入中旗標是否存在
func (t *Tracker) IsTyping(ctx context.Context, roomID, userID string) (bool, error) {
	var n int64

	err := t.store.Do(ctx, "presence.typing_get", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		n, err = rdb.Exists(ctx, store.TypingKey(roomID, userID)).Result()
		return err
	})
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// liveRange 最後活動時間在 TTL 內（不含邊界）的分數範圍
func (t *Tracker) liveRange() *redis.ZRangeBy {
	cutoff := t.now().Add(-t.ttl).UnixMilli()
	return &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}
}

// pruneStale 清掉已過期成員的名稱欄位，失敗不影響 join
func (t *Tracker) pruneStale(ctx context.Context, rdb redis.Cmdable, roomID string, now time.Time) {
	cutoff := strconv.FormatInt(now.Add(-t.ttl).UnixMilli(), 10)

	stale, err := rdb.ZRangeByScore(ctx, store.PresenceSeenKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil || len(stale) == 0 {
		return
	}

	if err := rdb.HDel(ctx, store.PresenceKey(roomID), stale...).Err(); err != nil {
		return
	}
	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	if err := rdb.ZRem(ctx, store.PresenceSeenKey(roomID), members...).Err(); err != nil {
		t.logger.DebugContext(ctx, "prune stale presence failed", "room_id", roomID, "error", err)
	}
}
