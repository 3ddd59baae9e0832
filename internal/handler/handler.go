// Package handler HTTP API
//
// 房間與使用者的讀寫轉發到記錄系統；在線狀態讀 Presence Tracker；
// 排行榜先讀快取，未命中再回退到記錄系統。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/study-room-relay/internal/identity"
	"github.com/koopa0/system-design/study-room-relay/internal/leaderboard"
	"github.com/koopa0/system-design/study-room-relay/internal/presence"
	"github.com/koopa0/system-design/study-room-relay/internal/record"
	"github.com/koopa0/system-design/study-room-relay/internal/relay"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

// healthTimeout 健康檢查 ping Redis 的上限
const healthTimeout = 300 * time.Millisecond

// Deps Handler 依賴的元件
type Deps struct {
	Records     record.Store
	Presence    *presence.Tracker
	Leaderboard *leaderboard.Cache
	Store       *store.Client
	Registry    *relay.Registry
	Identity    *identity.Resolver
	ServiceName string
}

// Handler HTTP 請求處理器
type Handler struct {
	records     record.Store
	presence    *presence.Tracker
	leaderboard *leaderboard.Cache
	store       *store.Client
	registry    *relay.Registry
	identity    *identity.Resolver
	serviceName string
	logger      *slog.Logger

	// fallback 合併同時發生的排行榜回退查詢
	fallback singleflight.Group
}

// New 建立 HTTP 處理器
func New(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Identity == nil {
		deps.Identity = identity.NewResolver("")
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "study-room-relay"
	}
	return &Handler{
		records:     deps.Records,
		presence:    deps.Presence,
		leaderboard: deps.Leaderboard,
		store:       deps.Store,
		registry:    deps.Registry,
		identity:    deps.Identity,
		serviceName: deps.ServiceName,
		logger:      logger.With("component", "http"),
	}
}

// Routes 設定路由
//
// ws 為 WebSocket 端點（可為 nil）；rateLimit 包在所有路由外層（可為 nil）。
// 中介軟體由外到內：request id → 日誌 → panic 恢復 → 限流 → 路由。
func (h *Handler) Routes(ws http.HandlerFunc, rateLimit func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	// 房間
	mux.HandleFunc("GET /api/rooms", h.listRooms)
	mux.HandleFunc("POST /api/rooms", h.authenticated(h.createRoom))
	mux.HandleFunc("POST /api/rooms/join-by-code", h.authenticated(h.joinByCode))
	mux.HandleFunc("GET /api/rooms/{room_id}", h.getRoom)
	mux.HandleFunc("POST /api/rooms/{room_id}/join", h.authenticated(h.joinRoom))
	mux.HandleFunc("POST /api/rooms/{room_id}/leave", h.authenticated(h.leaveRoom))
	mux.HandleFunc("GET /api/rooms/{room_id}/presence", h.roomPresence)

	// 使用者
	mux.HandleFunc("GET /api/users/me", h.authenticated(h.getMe))
	mux.HandleFunc("GET /api/users/leaderboard/xp", h.getLeaderboard)
	mux.HandleFunc("GET /api/users/{user_id}", h.getProfile)

	// 健康檢查
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/stats", h.stats)

	if ws != nil {
		mux.HandleFunc("GET /ws/room/{room_id}", ws)
	}

	var handler http.Handler = mux
	if rateLimit != nil {
		handler = rateLimit(handler)
	}
	return h.requestID(h.loggerMiddleware(h.recoverer(handler)))
}

// health 健康檢查
//
// Redis 不可用時服務仍可運作（降級），所以狀態維持 ok，只回報 redis 欄位。
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	h.jsonResponse(w, map[string]any{
		"status":  "ok",
		"service": h.serviceName,
		"redis":   h.store.Ping(ctx) == nil,
	}, http.StatusOK)
}

// stats 目前的連接統計
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.jsonResponse(w, relay.Stats{PerRoom: map[string]int{}}, http.StatusOK)
		return
	}
	h.jsonResponse(w, h.registry.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json response failed", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appError 依錯誤碼返回錯誤響應
//
// 記錄系統的錯誤對使用者可見；非 AppError 一律視為內部錯誤，不外洩細節。
func (h *Handler) appError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
		h.errorResponse(w, "internal server error", status)
		return
	}

	if status >= http.StatusInternalServerError {
		h.logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	h.jsonResponse(w, map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	}, status)
}

// decode 解析 JSON 請求主體
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
