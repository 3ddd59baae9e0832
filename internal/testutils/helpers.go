// Package testutils 提供測試用的共用工具和輔助函數
//
// 單元測試使用 miniredis（行程內的 Redis 實作），可以用 FastForward
// 快轉 TTL；整合測試使用 testcontainers 啟動真正的 Redis / PostgreSQL，
// 在 -short 模式下跳過。
package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/study-room-relay/internal/store"
	"github.com/koopa0/system-design/study-room-relay/pkg/logger"
)

// MiniEnv 以 miniredis 為後端的測試環境
type MiniEnv struct {
	Server *miniredis.Miniredis
	Redis  *redis.Client
	Store  *store.Client
	Clock  *Clock
}

// SetupMiniRedis 啟動 miniredis 並建立 store.Client
//
// 時鐘與 miniredis 的時間同步，用 env.Advance 同時推進兩者。
func SetupMiniRedis(t testing.TB) *MiniEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	clock := NewClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	mr.SetTime(clock.Now())

	rdb := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return &MiniEnv{
		Server: mr,
		Redis:  rdb,
		Store:  store.New(rdb, time.Second, logger.Discard()),
		Clock:  clock,
	}
}

// Advance 同時推進測試時鐘與 miniredis 的 TTL
func (env *MiniEnv) Advance(d time.Duration) {
	env.Clock.Advance(d)
	env.Server.SetTime(env.Clock.Now())
	env.Server.FastForward(d)
}

// StopServer 關閉 miniredis 模擬儲存中斷
func (env *MiniEnv) StopServer() {
	env.Server.Close()
}

// UnavailableStore 返回未配置後端的客戶端
func UnavailableStore() *store.Client {
	return store.New(nil, time.Second, logger.Discard())
}

// Clock 可手動推進的時鐘
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 建立時鐘
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now 當前時間
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推進時間
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			require.FailNow(t, "timeout waiting for condition", message)
		case <-ticker.C:
		}
	}
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, fn func(workerID int)) {
	t.Helper()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			fn(workerID)
		}(i)
	}
	wg.Wait()
}
