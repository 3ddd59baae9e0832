// Package record 記錄系統（PostgreSQL）的存取層
//
// 房間、成員與使用者資料的 schema 由外部系統管理，
// 這裡只做查詢與轉發，不負責遷移。
package record

import (
	"context"
	"time"
)

// ProfileSummary 嵌入房間資料的使用者摘要
type ProfileSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Profile 使用者公開資料
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
	CurrentMood string `json:"current_mood"`
	XP          int64  `json:"xp"`
	TeachingXP  int64  `json:"teaching_xp"`
	RoomCoins   int64  `json:"room_coins"`
	IsOnline    bool   `json:"is_online"`
}

// Room 自習室
type Room struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RoomType      string          `json:"room_type"`
	Subject       string          `json:"subject"`
	Topic         string          `json:"topic"`
	HostID        string          `json:"host_id"`
	MaxMembers    int             `json:"max_members"`
	TimerDuration int             `json:"timer_duration"`
	BreakDuration int             `json:"break_duration"`
	RoomCode      string          `json:"room_code"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	Host          *ProfileSummary `json:"host,omitempty"`
	MemberCount   int             `json:"member_count"`
}

// Member 房間成員
type Member struct {
	RoomID   string          `json:"room_id"`
	UserID   string          `json:"user_id"`
	Role     string          `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
	User     *ProfileSummary `json:"user,omitempty"`
}

// RoomDetail 房間與成員
type RoomDetail struct {
	Room
	Members []Member `json:"members"`
}

// RoomFilter 房間列表條件
type RoomFilter struct {
	RoomType string
	IsActive bool
}

// CreateRoomInput 建立房間的參數
type CreateRoomInput struct {
	Name          string `json:"name"`
	RoomType      string `json:"room_type"`
	Subject       string `json:"subject"`
	Topic         string `json:"topic"`
	MaxMembers    int    `json:"max_members"`
	TimerDuration int    `json:"timer_duration"`
	BreakDuration int    `json:"break_duration"`
}

// Normalize 補上預設值
func (in *CreateRoomInput) Normalize() {
	if in.RoomType == "" {
		in.RoomType = "doubt_solving"
	}
	if in.MaxMembers <= 0 {
		in.MaxMembers = 15
	}
	if in.TimerDuration <= 0 {
		in.TimerDuration = 25
	}
	if in.BreakDuration <= 0 {
		in.BreakDuration = 5
	}
}

// Store 記錄系統
type Store interface {
	ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error)
	GetRoom(ctx context.Context, roomID string) (*RoomDetail, error)
	CreateRoom(ctx context.Context, hostID string, in CreateRoomInput) (*Room, error)
	JoinRoom(ctx context.Context, roomID, userID string) (*Member, error)
	JoinRoomByCode(ctx context.Context, code, userID string) (*Room, *Member, error)
	LeaveRoom(ctx context.Context, roomID, userID string) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	// TopProfiles 依 XP 由高到低返回前 limit 名
	TopProfiles(ctx context.Context, limit int) ([]Profile, error)
}
