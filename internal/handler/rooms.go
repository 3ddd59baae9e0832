package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/koopa0/system-design/study-room-relay/internal/identity"
	"github.com/koopa0/system-design/study-room-relay/internal/record"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

type joinByCodeRequest struct {
	RoomCode string `json:"room_code"`
}

// listRooms 列出房間
//
// 查詢參數：room_type（可選）、is_active（預設 true）
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	filter := record.RoomFilter{
		RoomType: r.URL.Query().Get("room_type"),
		IsActive: true,
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			h.appError(w, r, apperrors.ErrInvalidInput.WithDetails("is_active must be a boolean"))
			return
		}
		filter.IsActive = active
	}

	rooms, err := h.records.ListRooms(r.Context(), filter)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"rooms": rooms}, http.StatusOK)
}

// getRoom 房間詳情與成員
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.records.GetRoom(r.Context(), r.PathValue("room_id"))
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"room": room}, http.StatusOK)
}

// createRoom 建立房間，建立者自動成為 host
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	var req record.CreateRoomInput
	if err := decode(w, r, &req); err != nil {
		h.appError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.appError(w, r, apperrors.ErrInvalidInput.WithDetails("name is required"))
		return
	}

	room, err := h.records.CreateRoom(r.Context(), id.UserID, req)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "room created", "room_id", room.ID, "room_type", room.RoomType)
	h.jsonResponse(w, map[string]any{"room": room}, http.StatusCreated)
}

// joinRoom 加入房間（重複加入返回既有成員資料）
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	member, err := h.records.JoinRoom(r.Context(), r.PathValue("room_id"), id.UserID)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"member": member}, http.StatusOK)
}

// joinByCode 以房間代碼加入私人房間
func (h *Handler) joinByCode(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	var req joinByCodeRequest
	if err := decode(w, r, &req); err != nil {
		h.appError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RoomCode) == "" {
		h.appError(w, r, apperrors.ErrInvalidInput.WithDetails("room_code is required"))
		return
	}

	room, member, err := h.records.JoinRoomByCode(r.Context(), req.RoomCode, id.UserID)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"room": room, "member": member}, http.StatusOK)
}

// leaveRoom 離開房間
func (h *Handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	if err := h.records.LeaveRoom(r.Context(), r.PathValue("room_id"), id.UserID); err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// roomPresence 房間目前的在線使用者
//
// Redis 不可用時返回空列表，不回報錯誤。
func (h *Handler) roomPresence(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	users, err := h.presence.ListOnlineWithNames(r.Context(), roomID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "presence degraded",
			"room_id", roomID,
			"status", store.StatusOf(err).String(),
			"error", err)
	}

	h.jsonResponse(w, map[string]any{
		"room_id":      roomID,
		"online_count": len(users),
		"users":        users,
	}, http.StatusOK)
}
