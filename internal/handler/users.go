package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/study-room-relay/internal/identity"
	"github.com/koopa0/system-design/study-room-relay/internal/leaderboard"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

const (
	// maxLeaderboardLimit 單次請求的名次上限
	maxLeaderboardLimit = 100
	// fallbackTimeout 回退查詢的上限，不隨單一請求取消
	fallbackTimeout = 5 * time.Second
)

// 排行榜資料來源
const (
	sourceCache    = "cache"
	sourceDatabase = "database"
)

// getMe 目前登入使用者的資料
func (h *Handler) getMe(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	h.writeProfile(w, r, id.UserID)
}

// getProfile 使用者公開資料，is_online 來自 Presence Tracker
func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	h.writeProfile(w, r, r.PathValue("user_id"))
}

func (h *Handler) writeProfile(w http.ResponseWriter, r *http.Request, userID string) {
	profile, err := h.records.GetProfile(r.Context(), userID)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	online, err := h.presence.IsOnlineGlobally(r.Context(), userID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "online status degraded",
			"user_id", userID,
			"status", store.StatusOf(err).String(),
			"error", err)
	}
	profile.IsOnline = online

	h.jsonResponse(w, map[string]any{"profile": profile}, http.StatusOK)
}

// getLeaderboard XP 排行榜
//
// 先讀快取；未命中（不存在、過期或 Redis 不可用）或 limit 超過快取名次數時查記錄系統。
// 同一 limit 的並發回退只會查一次。
func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := leaderboard.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.appError(w, r, apperrors.ErrInvalidInput.WithDetails("limit must be a positive integer"))
			return
		}
		limit = min(n, maxLeaderboardLimit)
	}

	// 快取只保存前 TopN 名，更大的 limit 直接查記錄系統
	if limit <= h.leaderboard.TopN() {
		entries, hit, err := h.leaderboard.GetCached(r.Context(), limit)
		if err != nil {
			h.logger.WarnContext(r.Context(), "leaderboard cache degraded",
				"status", store.StatusOf(err).String(),
				"error", err)
		}
		if hit {
			h.jsonResponse(w, map[string]any{"leaderboard": entries, "source": sourceCache}, http.StatusOK)
			return
		}
	}

	entries, err := h.leaderboardFromRecords(r.Context(), limit)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"leaderboard": entries, "source": sourceDatabase}, http.StatusOK)
}

func (h *Handler) leaderboardFromRecords(ctx context.Context, limit int) ([]leaderboard.Entry, error) {
	ch := h.fallback.DoChan(strconv.Itoa(limit), func() (any, error) {
		// 查詢由多個請求共享，不能被第一個請求的取消中斷
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
		defer cancel()

		profiles, err := h.records.TopProfiles(qctx, limit)
		if err != nil {
			return nil, err
		}
		entries := make([]leaderboard.Entry, len(profiles))
		for i, p := range profiles {
			entries[i] = leaderboard.EntryFromProfile(p)
		}
		return entries, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]leaderboard.Entry), nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "leaderboard query canceled")
	}
}
