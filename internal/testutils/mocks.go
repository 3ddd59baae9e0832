package testutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/study-room-relay/internal/record"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

// MemoryRecords 記憶體版的 record.Store，供 handler 測試使用
type MemoryRecords struct {
	mu       sync.Mutex
	profiles map[string]record.Profile
	rooms    map[string]*record.Room
	members  map[string]map[string]record.Member // roomID -> userID -> Member
	nextID   int

	// Err 不為 nil 時所有方法都返回此錯誤
	Err error
	// TopDelay 模擬慢查詢
	TopDelay time.Duration
	// TopCalls TopProfiles 被呼叫的次數
	TopCalls atomic.Int32
}

var _ record.Store = (*MemoryRecords)(nil)

// NewMemoryRecords 建立空的記錄系統
func NewMemoryRecords(profiles ...record.Profile) *MemoryRecords {
	m := &MemoryRecords{
		profiles: make(map[string]record.Profile),
		rooms:    make(map[string]*record.Room),
		members:  make(map[string]map[string]record.Member),
	}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	return m
}

// SetErr 設定注入的錯誤
func (m *MemoryRecords) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MemoryRecords) summary(userID string) *record.ProfileSummary {
	p := m.profiles[userID]
	return &record.ProfileSummary{ID: p.ID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
}

// ListRooms 實作 record.Store
func (m *MemoryRecords) ListRooms(_ context.Context, filter record.RoomFilter) ([]record.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	rooms := []record.Room{}
	for _, r := range m.rooms {
		if r.IsActive != filter.IsActive {
			continue
		}
		if filter.RoomType != "" && r.RoomType != filter.RoomType {
			continue
		}
		room := *r
		room.Host = m.summary(r.HostID)
		room.MemberCount = len(m.members[r.ID])
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	return rooms, nil
}

// GetRoom 實作 record.Store
func (m *MemoryRecords) GetRoom(_ context.Context, roomID string) (*record.RoomDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	detail := &record.RoomDetail{Room: *r, Members: []record.Member{}}
	detail.Host = m.summary(r.HostID)
	for _, member := range m.members[roomID] {
		member.User = m.summary(member.UserID)
		detail.Members = append(detail.Members, member)
	}
	sort.Slice(detail.Members, func(i, j int) bool { return detail.Members[i].UserID < detail.Members[j].UserID })
	detail.MemberCount = len(detail.Members)
	return detail, nil
}

// CreateRoom 實作 record.Store
func (m *MemoryRecords) CreateRoom(_ context.Context, hostID string, in record.CreateRoomInput) (*record.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if _, ok := m.profiles[hostID]; !ok {
		return nil, apperrors.ErrProfileNotFound.WithDetails(hostID)
	}

	in.Normalize()
	m.nextID++
	room := &record.Room{
		ID:            fmt.Sprintf("room-%d", m.nextID),
		Name:          in.Name,
		RoomType:      in.RoomType,
		Subject:       in.Subject,
		Topic:         in.Topic,
		HostID:        hostID,
		MaxMembers:    in.MaxMembers,
		TimerDuration: in.TimerDuration,
		BreakDuration: in.BreakDuration,
		RoomCode:      fmt.Sprintf("CODE%02d", m.nextID),
		IsActive:      true,
		CreatedAt:     time.Now().Add(time.Duration(m.nextID) * time.Millisecond),
	}
	m.rooms[room.ID] = room
	m.members[room.ID] = map[string]record.Member{
		hostID: {RoomID: room.ID, UserID: hostID, Role: "host", JoinedAt: time.Now()},
	}

	created := *room
	created.MemberCount = 1
	return &created, nil
}

// JoinRoom 實作 record.Store
func (m *MemoryRecords) JoinRoom(_ context.Context, roomID, userID string) (*record.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.joinLocked(roomID, userID)
}

func (m *MemoryRecords) joinLocked(roomID, userID string) (*record.Member, error) {
	if _, ok := m.rooms[roomID]; !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	if existing, ok := m.members[roomID][userID]; ok {
		return &existing, nil
	}
	member := record.Member{RoomID: roomID, UserID: userID, Role: "member", JoinedAt: time.Now()}
	m.members[roomID][userID] = member
	return &member, nil
}

// JoinRoomByCode 實作 record.Store
func (m *MemoryRecords) JoinRoomByCode(_ context.Context, code, userID string) (*record.Room, *record.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, nil, m.Err
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	for _, r := range m.rooms {
		if r.RoomCode == code && r.IsActive {
			member, err := m.joinLocked(r.ID, userID)
			if err != nil {
				return nil, nil, err
			}
			room := *r
			return &room, member, nil
		}
	}
	return nil, nil, apperrors.ErrRoomNotFound.WithDetails(code)
}

// LeaveRoom 實作 record.Store
func (m *MemoryRecords) LeaveRoom(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.members[roomID], userID)
	return nil
}

// GetProfile 實作 record.Store
func (m *MemoryRecords) GetProfile(_ context.Context, userID string) (*record.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	p, ok := m.profiles[userID]
	if !ok {
		return nil, apperrors.ErrProfileNotFound.WithDetails(userID)
	}
	return &p, nil
}

// TopProfiles 實作 record.Store
func (m *MemoryRecords) TopProfiles(ctx context.Context, limit int) ([]record.Profile, error) {
	m.TopCalls.Add(1)
	if m.TopDelay > 0 {
		select {
		case <-time.After(m.TopDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	profiles := make([]record.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].XP != profiles[j].XP {
			return profiles[i].XP > profiles[j].XP
		}
		return profiles[i].ID < profiles[j].ID
	})
	if len(profiles) > limit {
		profiles = profiles[:limit]
	}
	return profiles, nil
}
