// Package relay 房間內的連接註冊表與消息轉發
//
// 系統設計問題：
//
//	同一個房間的多個使用者如何互相轉發信令、畫布事件與輸入提示？
//
// 核心挑戰：
//  1. 並發修改：每個連接一個 goroutine，同時註冊、註銷、廣播
//  2. 死連接：網路斷線時伺服器不會立刻知道
//  3. 慢連接：一個寫入卡住不能拖住整個房間
//
// 設計方案：
//   - 兩層 map：room → user → *Conn，RWMutex 保護
//   - 兩階段廣播：讀鎖下取快照，鎖外寫入，收集失敗後再上寫鎖清理
//   - 寫入失敗視為斷線（lazy 修正），呼叫端只拿到 false
//   - 清理時以指標比對，只刪除仍是同一個連接的項目
//   - 同一 (room, user) 重複連接時關閉舊連接並取代
package relay

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed 註冊表已關閉
var ErrClosed = errors.New("relay: registry closed")

// Transport 連接的底層傳輸
//
// Send 必須可被多個 goroutine 同時呼叫。
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// Conn 註冊表中的一個連接
type Conn struct {
	RoomID      string
	UserID      string
	DisplayName string
	ConnectedAt time.Time

	transport  Transport
	superseded atomic.Bool
	closeOnce  sync.Once
}

// Superseded 是否已被同一使用者的新連接取代
//
// 被取代的連接在結束時不應發送 peer-left，也不應離開 presence。
func (c *Conn) Superseded() bool {
	return c.superseded.Load()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.transport.Close()
	})
}

// Stats 註冊表統計
type Stats struct {
	Rooms       int            `json:"rooms"`
	Connections int            `json:"connections"`
	PerRoom     map[string]int `json:"per_room"`
}

// Registry 連接註冊表
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Conn // roomID -> userID -> Conn
	closed bool
	logger *slog.Logger
}

// NewRegistry 建立註冊表
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]map[string]*Conn),
		logger: logger.With("component", "relay"),
	}
}

// Register 註冊連接，並通知房間內其他人 peer-joined
//
// 同一使用者已有連接時，舊連接會被關閉並標記為 superseded。
func (r *Registry) Register(roomID, userID, displayName string, t Transport) (*Conn, error) {
	conn := &Conn{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		ConnectedAt: time.Now(),
		transport:   t,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.close()
		return nil, ErrClosed
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]*Conn)
		r.rooms[roomID] = room
	}
	old := room[userID]
	room[userID] = conn
	peers := sortedKeys(room)
	r.mu.Unlock()

	if old != nil {
		old.superseded.Store(true)
		old.close()
		r.logger.Info("connection superseded", "room_id", roomID, "user_id", userID)
	}

	r.Broadcast(roomID, PeerEvent{
		Type:        TypePeerJoined,
		UserID:      userID,
		DisplayName: displayName,
		Peers:       peers,
	}, userID)

	return conn, nil
}

// Unregister 移除連接
//
// 只在表中仍是同一個連接時才刪除；返回是否真的刪除。
// 房間沒有連接後整個房間項目一併刪除。
func (r *Registry) Unregister(roomID, userID string, conn *Conn) bool {
	r.mu.Lock()
	removed := r.removeLocked(roomID, userID, conn)
	r.mu.Unlock()

	if removed {
		conn.close()
	}
	return removed
}

// SendTo 發送給房間內的特定使用者
//
// 寫入失敗視為斷線：移除該連接並返回 false，錯誤不往外傳。
func (r *Registry) SendTo(roomID, userID string, msg any) bool {
	data, err := encode(msg)
	if err != nil {
		r.logger.Error("encode message failed", "room_id", roomID, "error", err)
		return false
	}

	r.mu.RLock()
	conn := r.rooms[roomID][userID]
	r.mu.RUnlock()

	if conn == nil {
		return false
	}

	if err := conn.transport.Send(data); err != nil {
		r.logger.Debug("send failed, dropping connection",
			"room_id", roomID,
			"user_id", userID,
			"error", err)
		r.prune(roomID, []*Conn{conn})
		return false
	}
	return true
}

// Broadcast 廣播給房間內所有人（exclude 除外），返回成功送達數
//
// 各接收者之間沒有順序保證，部分失敗不重試。
func (r *Registry) Broadcast(roomID string, msg any, exclude string) int {
	data, err := encode(msg)
	if err != nil {
		r.logger.Error("encode message failed", "room_id", roomID, "error", err)
		return 0
	}

	// 第一階段：讀鎖下取快照
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.rooms[roomID]))
	for uid, conn := range r.rooms[roomID] {
		if uid == exclude {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	// 第二階段：鎖外寫入，收集失敗
	var failed []*Conn
	delivered := 0
	for _, conn := range targets {
		if err := conn.transport.Send(data); err != nil {
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	// 第三階段：清理失敗的連接
	if len(failed) > 0 {
		r.logger.Debug("broadcast partially failed",
			"room_id", roomID,
			"failed", len(failed),
			"delivered", delivered)
		r.prune(roomID, failed)
	}

	return delivered
}

// Lookup 目前登記在 (roomID, userID) 的連接
func (r *Registry) Lookup(roomID, userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.rooms[roomID][userID]
	return conn, ok
}

// ListPeers 房間內的使用者（已排序）
func (r *Registry) ListPeers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[roomID])
}

// Close 關閉所有連接，之後的 Register 返回 ErrClosed
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	count := 0
	for _, room := range rooms {
		for _, conn := range room {
			conn.close()
			count++
		}
	}

	r.logger.Info("relay registry closed", "connections", count)
}

// Stats 目前的房間與連接數
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{PerRoom: make(map[string]int, len(r.rooms))}
	for roomID, room := range r.rooms {
		s.PerRoom[roomID] = len(room)
		s.Connections += len(room)
	}
	s.Rooms = len(r.rooms)
	return s
}

// prune 移除寫入失敗的連接並關閉其傳輸
//
// 關閉傳輸會讓該連接的讀取迴圈結束，由 session 走正常的清理流程。
func (r *Registry) prune(roomID string, conns []*Conn) {
	var removed []*Conn

	r.mu.Lock()
	for _, conn := range conns {
		if r.removeLocked(roomID, conn.UserID, conn) {
			removed = append(removed, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range removed {
		conn.close()
	}
}

func (r *Registry) removeLocked(roomID, userID string, conn *Conn) bool {
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	current, ok := room[userID]
	if !ok || current != conn {
		return false
	}

	delete(room, userID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

func sortedKeys(room map[string]*Conn) []string {
	peers := make([]string, 0, len(room))
	for uid := range room {
		peers = append(peers, uid)
	}
	sort.Strings(peers)
	return peers
}
