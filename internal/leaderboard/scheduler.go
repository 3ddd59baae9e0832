package leaderboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval 預設刷新間隔
const DefaultRefreshInterval = 60 * time.Second

// Refresher 可被定期刷新的對象
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler 定期刷新排行榜快取
//
// 啟動時立即刷新一次，之後每個間隔刷新一次。
// 單次刷新的錯誤或 panic 只記錄日誌，不會中止迴圈。
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler 建立排程器
func NewScheduler(r Refresher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher: r,
		interval:  interval,
		logger:    logger.With("component", "leaderboard_scheduler"),
	}
}

// Start 啟動背景迴圈；重複呼叫無效果
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.logger.Info("leaderboard scheduler started", "interval", s.interval)
}

// Stop 取消迴圈與進行中的刷新，不等待刷新完成
//
// 需要確認迴圈已結束時使用 Done()。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Done 迴圈結束時關閉；尚未 Start 時返回 nil
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("leaderboard scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce 執行一次刷新，隔離錯誤與 panic
func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("leaderboard refresh panicked", "panic", r)
		}
	}()

	if err := s.refresher.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		s.logger.Warn("leaderboard refresh failed", "error", err)
	}
}
