package presence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/study-room-relay/internal/presence"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	"github.com/koopa0/system-design/study-room-relay/internal/testutils"
	"github.com/koopa0/system-design/study-room-relay/pkg/logger"
)

func newTracker(t *testing.T) (*presence.Tracker, *testutils.MiniEnv) {
	t.Helper()
	env := testutils.SetupMiniRedis(t)
	tr := presence.New(env.Store, 90*time.Second, logger.Discard(), presence.WithClock(env.Clock.Now))
	return tr, env
}

// TestTracker_JoinLeave 測試返回的在線名單反映每位使用者最後一次操作
func TestTracker_JoinLeave(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	steps := []struct {
		op   string
		user string
		want []string
	}{
		{"join", "alice", []string{"alice"}},
		{"join", "bob", []string{"alice", "bob"}},
		{"join", "carol", []string{"alice", "bob", "carol"}},
		{"leave", "bob", []string{"alice", "carol"}},
		{"join", "bob", []string{"alice", "bob", "carol"}},
		{"leave", "alice", []string{"bob", "carol"}},
		{"leave", "alice", []string{"bob", "carol"}}, // 重複離開無副作用
		{"leave", "bob", []string{"carol"}},
		{"leave", "carol", []string{}},
	}

	for i, step := range steps {
		var (
			got []string
			err error
		)
		if step.op == "join" {
			got, err = tr.Join(ctx, "room-1", step.user, step.user+" name")
		} else {
			got, err = tr.Leave(ctx, "room-1", step.user)
		}
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.want, got, "step %d: %s %s", i, step.op, step.user)
	}
}

// TestTracker_HeartbeatKeepsAlive 測試心跳延長在線狀態
func TestTracker_HeartbeatKeepsAlive(t *testing.T) {
	tr, env := newTracker(t)
	ctx := context.Background()

	_, err := tr.Join(ctx, "room-1", "alice", "Alice")
	require.NoError(t, err)

	env.Advance(60 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, "room-1", "alice", "Alice"))
	env.Advance(60 * time.Second)

	online, err := tr.ListOnline(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	isOnline, err := tr.IsOnlineGlobally(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isOnline)
}

// TestTracker_ExpiresWithoutHeartbeat 測試沒有心跳滿 TTL 後視為離線
func TestTracker_ExpiresWithoutHeartbeat(t *testing.T) {
	tr, env := newTracker(t)
	ctx := context.Background()

	_, err := tr.Join(ctx, "room-1", "alice", "Alice")
	require.NoError(t, err)

	env.Advance(90 * time.Second)

	online, err := tr.ListOnline(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, online)

	isOnline, err := tr.IsOnlineGlobally(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, isOnline)
}

// TestTracker_PerEntryExpiry 測試他人的活動不會讓過期的成員續命
func TestTracker_PerEntryExpiry(t *testing.T) {
	tr, env := newTracker(t)
	ctx := context.Background()

	_, err := tr.Join(ctx, "room-1", "alice", "Alice")
	require.NoError(t, err)

	env.Advance(60 * time.Second)
	_, err = tr.Join(ctx, "room-1", "bob", "Bob")
	require.NoError(t, err)

	env.Advance(40 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, "room-1", "bob", "Bob"))

	online, err := tr.ListOnline(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, online)

	// 下一次 join 會清掉過期成員的名稱欄位
	_, err = tr.Join(ctx, "room-1", "carol", "Carol")
	require.NoError(t, err)
	assert.Empty(t, env.Server.HGet(store.PresenceKey("room-1"), "alice"), "stale name should be pruned")
	assert.Equal(t, "Bob", env.Server.HGet(store.PresenceKey("room-1"), "bob"))
}

// TestTracker_HeartbeatRestoresEntry 測試連接仍在時心跳會寫回被清除的在線記錄
func TestTracker_HeartbeatRestoresEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("after leave", func(t *testing.T) {
		tr, _ := newTracker(t)

		_, err := tr.Join(ctx, "room-1", "alice", "Alice")
		require.NoError(t, err)
		_, err = tr.Leave(ctx, "room-1", "alice")
		require.NoError(t, err)

		isOnline, err := tr.IsOnlineGlobally(ctx, "alice")
		require.NoError(t, err)
		require.False(t, isOnline)

		require.NoError(t, tr.Heartbeat(ctx, "room-1", "alice", "Alice"))

		members, err := tr.ListOnlineWithNames(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, []presence.Member{{UserID: "alice", DisplayName: "Alice"}}, members)

		isOnline, err = tr.IsOnlineGlobally(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, isOnline)
	})

	t.Run("after expiry", func(t *testing.T) {
		tr, env := newTracker(t)

		_, err := tr.Join(ctx, "room-1", "alice", "Alice")
		require.NoError(t, err)
		env.Advance(2 * presence.DefaultTTL)

		require.NoError(t, tr.Heartbeat(ctx, "room-1", "alice", "Alice"))

		online, err := tr.ListOnline(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, online)
	})

	t.Run("empty name keeps existing", func(t *testing.T) {
		tr, env := newTracker(t)

		_, err := tr.Join(ctx, "room-1", "alice", "Alice")
		require.NoError(t, err)
		require.NoError(t, tr.Heartbeat(ctx, "room-1", "alice", ""))

		assert.Equal(t, "Alice", env.Server.HGet(store.PresenceKey("room-1"), "alice"))
	})
}

// TestTracker_GlobalOnline 測試全域在線旗標跟隨房間成員集合
func TestTracker_GlobalOnline(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	isOnline := func() bool {
		ok, err := tr.IsOnlineGlobally(ctx, "alice")
		require.NoError(t, err)
		return ok
	}

	assert.False(t, isOnline())

	_, err := tr.Join(ctx, "room-a", "alice", "Alice")
	require.NoError(t, err)
	_, err = tr.Join(ctx, "room-b", "alice", "Alice")
	require.NoError(t, err)
	assert.True(t, isOnline())

	_, err = tr.Leave(ctx, "room-a", "alice")
	require.NoError(t, err)
	assert.True(t, isOnline(), "still in room-b")

	_, err = tr.Leave(ctx, "room-b", "alice")
	require.NoError(t, err)
	assert.False(t, isOnline())
}

// TestTracker_MembershipSetExpires 測試成員集合也帶 TTL
func TestTracker_MembershipSetExpires(t *testing.T) {
	tr, env := newTracker(t)
	ctx := context.Background()

	_, err := tr.Join(ctx, "room-a", "alice", "Alice")
	require.NoError(t, err)
	assert.True(t, env.Server.Exists(store.UserRoomsKey("alice")))

	env.Advance(91 * time.Second)
	assert.False(t, env.Server.Exists(store.UserRoomsKey("alice")))
	assert.False(t, env.Server.Exists(store.OnlineKey("alice")))
}

// TestTracker_ListOnlineWithNames 測試名單包含顯示名稱
func TestTracker_ListOnlineWithNames(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.Join(ctx, "room-1", "u2", "Bob")
	require.NoError(t, err)
	_, err = tr.Join(ctx, "room-1", "u1", "Alice")
	require.NoError(t, err)

	members, err := tr.ListOnlineWithNames(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []presence.Member{
		{UserID: "u1", DisplayName: "Alice"},
		{UserID: "u2", DisplayName: "Bob"},
	}, members)

	// 重新 join 覆蓋顯示名稱
	_, err = tr.Join(ctx, "room-1", "u1", "Alice2")
	require.NoError(t, err)
	members, err = tr.ListOnlineWithNames(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice2", members[0].DisplayName)

	empty, err := tr.ListOnlineWithNames(ctx, "nobody-here")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

// TestTracker_Typing 測試輸入中旗標的短 TTL
func TestTracker_Typing(t *testing.T) {
	tr, env := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetTyping(ctx, "room-1", "alice", "Alice"))
	typing, err := tr.IsTyping(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.True(t, typing)

	env.Advance(3 * time.Second)
	typing, err = tr.IsTyping(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.False(t, typing)

	require.NoError(t, tr.SetTyping(ctx, "room-1", "alice", "Alice"))
	require.NoError(t, tr.ClearTyping(ctx, "room-1", "alice"))
	typing, err = tr.IsTyping(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.False(t, typing)
}

// TestTracker_ConcurrentJoins 測試並發 join 互不覆蓋
func TestTracker_ConcurrentJoins(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	const n = 20
	testutils.RunConcurrently(t, n, func(worker int) {
		id := fmt.Sprintf("user-%02d", worker)
		_, _ = tr.Join(ctx, "room-1", id, id)
	})

	online, err := tr.ListOnline(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, online, n)
}

// TestTracker_StoreUnavailable 測試儲存不可用時返回空值而不是失敗
func TestTracker_StoreUnavailable(t *testing.T) {
	ctx := context.Background()

	check := func(t *testing.T, tr *presence.Tracker) {
		online, err := tr.Join(ctx, "room-1", "alice", "Alice")
		assert.Error(t, err)
		assert.NotNil(t, online)
		assert.Empty(t, online)

		online, err = tr.Leave(ctx, "room-1", "alice")
		assert.Error(t, err)
		assert.Empty(t, online)

		assert.Error(t, tr.Heartbeat(ctx, "room-1", "alice", "Alice"))

		online, err = tr.ListOnline(ctx, "room-1")
		assert.Error(t, err)
		assert.Empty(t, online)

		members, err := tr.ListOnlineWithNames(ctx, "room-1")
		assert.Error(t, err)
		assert.Empty(t, members)

		isOnline, err := tr.IsOnlineGlobally(ctx, "alice")
		assert.Error(t, err)
		assert.False(t, isOnline)

		assert.Error(t, tr.SetTyping(ctx, "room-1", "alice", "Alice"))
		assert.Error(t, tr.ClearTyping(ctx, "room-1", "alice"))
	}

	t.Run("not configured", func(t *testing.T) {
		check(t, presence.New(testutils.UnavailableStore(), time.Minute, logger.Discard()))
	})

	t.Run("server down", func(t *testing.T) {
		tr, env := newTracker(t)
		env.StopServer()
		check(t, tr)
	})
}

// TestTracker_Container 在真正的 Redis 上驗證 join/leave
func TestTracker_Container(t *testing.T) {
	env := testutils.SetupRedisContainer(t)
	tr := presence.New(store.New(env.RedisClient, time.Second, logger.Discard()), time.Minute, logger.Discard())
	ctx := context.Background()

	online, err := tr.Join(ctx, "room-1", "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	ttl, err := env.RedisClient.TTL(ctx, store.OnlineKey("alice")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	online, err = tr.Leave(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.Empty(t, online)
}
