// Package store 暫存狀態儲存（Redis）的存取層
//
// 設計考量：
//
// 為何包一層而不直接使用 go-redis？
//   - 每次呼叫都要有上限：Redis 卡住時不能拖住 WebSocket 迴圈或 HTTP 請求
//   - 失敗要分類：逾時與不可用在呼叫端的處理完全相同（fail-open），
//     但日誌與監控需要分辨「合法的空結果」與「Redis 掛了」
//   - 整個行程只持有一個客戶端，由 main 建立後注入各元件
//
// 每個操作都是獨立的請求/回應，不使用 MULTI/EXEC。
// 上層元件必須假設任意兩個呼叫之間都可能被其他連線穿插。
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/study-room-relay/internal/config"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

// DefaultOpTimeout 單次操作的預設上限
const DefaultOpTimeout = 500 * time.Millisecond

// Status 一次儲存操作的結果分類
type Status int

const (
	// StatusOK 呼叫成功（包含 key 不存在的合法空結果）
	StatusOK Status = iota
	// StatusUnavailable 儲存無法連線或回應錯誤
	StatusUnavailable
	// StatusTimeout 呼叫超過操作上限
	StatusTimeout
)

// String 實現 fmt.Stringer
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusOf 從錯誤推導結果分類
func StatusOf(err error) Status {
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return StatusOK
	case apperrors.IsTimeout(err):
		return StatusTimeout
	default:
		return StatusUnavailable
	}
}

// Client 暫存儲存客戶端
//
// 零值與 nil 都代表「儲存未配置」，所有操作直接回報不可用。
type Client struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
	logger    *slog.Logger
}

// New 建立客戶端；rdb 為 nil 時所有操作回報不可用
func New(rdb redis.UniversalClient, opTimeout time.Duration, logger *slog.Logger) *Client {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rdb:       rdb,
		opTimeout: opTimeout,
		logger:    logger.With("component", "store"),
	}
}

// Dial 依配置建立 go-redis 客戶端，不會立即連線
func Dial(cfg *config.Config) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}

	opts.PoolSize = cfg.Redis.PoolSize
	opts.MinIdleConns = cfg.Redis.MinIdleConns
	opts.DialTimeout = cfg.Redis.DialTimeout
	// 重試交給上層：逾時一律視為不可用，不在請求路徑上同步重試
	opts.MaxRetries = -1

	return redis.NewClient(opts), nil
}

// Available 是否配置了後端
func (c *Client) Available() bool {
	return c != nil && c.rdb != nil
}

// Do 在操作上限內執行 fn，並把失敗分類為 TIMEOUT / SERVICE_UNAVAILABLE
//
// redis.Nil 原樣返回，呼叫端以 errors.Is(err, redis.Nil) 判斷 key 不存在。
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context, rdb redis.Cmdable) error) error {
	if !c.Available() {
		return apperrors.ErrStoreUnavailable.WithDetails(op)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	err := fn(ctx, c.rdb)
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}

	classified := classify(op, err)
	c.logger.WarnContext(ctx, "store operation failed",
		"operation", op,
		"status", StatusOf(classified).String(),
		"error", err,
	)
	return classified
}

// Ping 檢查後端是否可達
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, "ping", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Ping(ctx).Err()
	})
}

// Close 關閉底層連線池
func (c *Client) Close() error {
	if !c.Available() {
		return nil
	}
	return c.rdb.Close()
}

func classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		appErr := apperrors.Wrap(err, apperrors.ErrCodeTimeout, "ephemeral store timeout")
		appErr.Details = op
		return appErr
	}

	appErr := apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "ephemeral store unavailable")
	appErr.Details = op
	return appErr
}
