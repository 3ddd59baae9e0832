package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MiddlewareConfig 限流中介軟體設定
type MiddlewareConfig struct {
	Limiter *Limiter

	// KeyFunc 從請求提取客戶端識別（"user:..." 或 "ip:..."）
	KeyFunc func(r *http.Request) string

	// Exempt 不受限流的請求，預設為健康檢查與 WebSocket 升級
	Exempt func(r *http.Request) bool

	// OnRateLimited 限流觸發時的處理，預設返回 429 JSON
	OnRateLimited func(w http.ResponseWriter, r *http.Request, d Decision)

	// Timeout 限流判斷的上限（避免 Redis 呼叫過久）
	Timeout time.Duration

	Logger *slog.Logger
}

// DefaultExempt 健康檢查與 WebSocket 升級不限流
func DefaultExempt(r *http.Request) bool {
	return r.URL.Path == "/api/health" || strings.HasPrefix(r.URL.Path, "/ws/")
}

// RateLimit 建立限流中介軟體
//
// 每個 HTTP 請求判斷一次；WebSocket 連線建立後的訊息不經過這裡。
func RateLimit(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Exempt == nil {
		cfg.Exempt = DefaultExempt
	}
	if cfg.OnRateLimited == nil {
		cfg.OnRateLimited = defaultRateLimitedHandler
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Exempt(r) {
				next.ServeHTTP(w, r)
				return
			}

			client := cfg.KeyFunc(r)
			cat := Classify(r.Method, r.URL.Path)

			ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
			decision, err := cfg.Limiter.Allow(ctx, cat, client)
			cancel()

			if err != nil {
				// 降級：記錄日誌但允許請求通過，不附限流標頭
				cfg.Logger.WarnContext(r.Context(), "rate limiter degraded, admitting request",
					"category", string(cat),
					"client", client,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				cfg.OnRateLimited(w, r, decision)
				return
			}

			setHeaders(w.Header(), decision)
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// defaultRateLimitedHandler 預設的限流回應
func defaultRateLimitedHandler(w http.ResponseWriter, r *http.Request, d Decision) {
	retryAfter := int(d.Window / time.Second)

	setHeaders(w.Header(), d)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail":      "Too many requests",
		"retry_after": retryAfter,
	})
}
