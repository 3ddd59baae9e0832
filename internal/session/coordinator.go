// Package session 每個 WebSocket 連接的消息迴圈
//
// 系統設計：連接生命週期
//
//	連接建立 → Registry.Register（peer-joined）→ Presence.Join → presence-update
//	收到消息 → 依 type 分派：定向信令 / 房間廣播 / 心跳
//	連接結束 → Registry.Unregister → peer-left → Presence.Leave → presence-update
//
// 讀取迴圈結束的原因（正常關閉、讀取錯誤、心跳超時、panic）
// 都走同一條清理路徑，房間內其他人不會以為死掉的連接還在。
// 被同一使用者新連接取代的舊連接例外：它不再擁有註冊表項目，
// 清理時不發 peer-left 也不離開 presence。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/study-room-relay/internal/activity"
	"github.com/koopa0/system-design/study-room-relay/internal/config"
	"github.com/koopa0/system-design/study-room-relay/internal/presence"
	"github.com/koopa0/system-design/study-room-relay/internal/relay"
	"github.com/koopa0/system-design/study-room-relay/pkg/logger"
)

// DefaultDisplayName 未提供顯示名稱時使用
const DefaultDisplayName = "Anonymous"

// cleanupTimeout 清理階段 store 呼叫的總時限
const cleanupTimeout = 5 * time.Second

// Options WebSocket 參數
type Options struct {
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string // 空值表示不檢查來源
}

// DefaultOptions 預設參數：54 秒 ping、60 秒讀取超時
func DefaultOptions() Options {
	return Options{
		PingPeriod:      54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  512 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// OptionsFromConfig 從配置建立參數
func OptionsFromConfig(cfg *config.Config) Options {
	ws := cfg.WebSocket
	return Options{
		PingPeriod:      ws.PingPeriod,
		PongWait:        ws.PongWait,
		WriteWait:       ws.WriteWait,
		MaxMessageSize:  ws.MaxMessageSize,
		ReadBufferSize:  ws.ReadBufferSize,
		WriteBufferSize: ws.WriteBufferSize,
		AllowedOrigins:  ws.AllowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	return o
}

// Coordinator 管理所有 WebSocket 會話
//
// 持有註冊表、在線追蹤與事件發布者的唯一實例，在 main 建立後注入。
type Coordinator struct {
	registry *relay.Registry
	presence *presence.Tracker
	events   activity.Publisher
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	wg sync.WaitGroup // 進行中的會話
}

// New 建立會話協調者
func New(registry *relay.Registry, tracker *presence.Tracker, events activity.Publisher, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = activity.Nop{}
	}
	opts = opts.withDefaults()

	c := &Coordinator{
		registry: registry,
		presence: tracker,
		events:   events,
		opts:     opts,
		logger:   logger.With("component", "session"),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

// ServeWS 處理 GET /ws/room/{room_id}?user_id=…&display_name=…
//
// 整個會話在這個 goroutine 內執行，直到連接結束。
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	userID := query.Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	displayName := query.Get("display_name")
	if displayName == "" {
		displayName = DefaultDisplayName
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回覆錯誤給客戶端
		c.logger.Warn("websocket upgrade failed", "room_id", roomID, "error", err)
		return
	}

	// 連接被劫持後 r.Context() 仍有效，但不應讓請求取消影響清理
	ctx := context.WithoutCancel(r.Context())
	ctx = logger.WithRoomID(ctx, roomID)
	ctx = logger.WithUserID(ctx, userID)

	c.wg.Add(1)
	defer c.wg.Done()

	s := &session{
		c:           c,
		ws:          ws,
		transport:   newWSTransport(ws, c.opts.WriteWait),
		roomID:      roomID,
		userID:      userID,
		displayName: displayName,
		logger:      c.logger.With("room_id", roomID, "user_id", userID),
	}
	s.run(ctx)
}

// Wait 等待所有會話完成清理，或 ctx 結束
//
// 關閉流程：Registry.Close() 關閉所有連接 → Wait 等清理（presence leave）跑完。
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

func (c *Coordinator) checkOrigin(r *http.Request) bool {
	if len(c.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(c.opts.AllowedOrigins, origin) || slices.Contains(c.opts.AllowedOrigins, "*")
}

// session 單一連接的狀態
type session struct {
	c           *Coordinator
	ws          *websocket.Conn
	transport   *wsTransport
	conn        *relay.Conn
	roomID      string
	userID      string
	displayName string
	logger      *slog.Logger
}

func (s *session) run(ctx context.Context) {
	conn, err := s.c.registry.Register(s.roomID, s.userID, s.displayName, s.transport)
	if err != nil {
		s.logger.Info("reject connection", "error", err)
		return
	}
	s.conn = conn
	s.logger.Info("websocket connected", "display_name", s.displayName)

	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		recovered := recover()
		if recovered != nil {
			s.logger.Error("session panicked",
				"panic", recovered,
				"stack", string(debug.Stack()))
		}
		s.cleanup(ctx)
	}()

	online, _ := s.c.presence.Join(ctx, s.roomID, s.userID, s.displayName)
	s.c.registry.Broadcast(s.roomID, relay.PresenceUpdate{Type: relay.TypePresenceUpdate, Online: online}, "")
	s.publish(ctx, activity.KindJoined, online)

	go s.pingLoop(stopPing)
	s.readLoop(ctx)
}

// readLoop 讀取並分派消息，直到連接結束
func (s *session) readLoop(ctx context.Context) {
	pongWait := s.c.opts.PongWait

	s.ws.SetReadLimit(s.c.opts.MaxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		s.dispatch(ctx, data)
	}
}

// dispatch 依 type 分派一則消息；格式錯誤與未知類型直接忽略
func (s *session) dispatch(ctx context.Context, data []byte) {
	var msg relay.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignore malformed message", "error", err)
		return
	}

	reg := s.c.registry
	switch msg.Type {
	case relay.TypeWebRTCOffer, relay.TypeWebRTCAnswer, relay.TypeWebRTCICE:
		if msg.TargetUserID == "" {
			return
		}
		reg.SendTo(s.roomID, msg.TargetUserID, relay.Signal{
			Type:        msg.Type,
			UserID:      s.userID,
			DisplayName: s.displayName,
			SDP:         msg.SDP,
			Candidate:   msg.Candidate,
		})

	case relay.TypeCanvasDraw:
		reg.Broadcast(s.roomID, relay.CanvasEvent{
			Type:     msg.Type,
			UserID:   s.userID,
			DrawData: msg.DrawData,
		}, s.userID)

	case relay.TypeCanvasClear:
		reg.Broadcast(s.roomID, relay.CanvasEvent{Type: msg.Type, UserID: s.userID}, s.userID)

	case relay.TypeHeartbeat:
		_ = s.c.presence.Heartbeat(ctx, s.roomID, s.userID, s.displayName)

	case relay.TypeTypingStart:
		_ = s.c.presence.SetTyping(ctx, s.roomID, s.userID, s.displayName)
		reg.Broadcast(s.roomID, relay.TypingEvent{
			Type:        msg.Type,
			UserID:      s.userID,
			DisplayName: s.displayName,
		}, s.userID)

	case relay.TypeTypingStop:
		_ = s.c.presence.ClearTyping(ctx, s.roomID, s.userID)
		reg.Broadcast(s.roomID, relay.TypingEvent{Type: msg.Type, UserID: s.userID}, s.userID)

	case relay.TypeGetPeers:
		reg.SendTo(s.roomID, s.userID, relay.PeersList{
			Type:  relay.TypePeersList,
			Peers: reg.ListPeers(s.roomID),
		})

	default:
		s.logger.Debug("ignore unknown message type", "type", msg.Type)
	}
}

// pingLoop 定期發送 ping，寫入失敗時關閉連接讓讀取迴圈結束
func (s *session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				s.logger.Debug("ping failed", "error", err)
				_ = s.transport.Close()
				return
			}
		}
	}
}

// cleanup 連接結束後的清理，任何結束原因都會執行
func (s *session) cleanup(parent context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session cleanup panicked", "panic", r)
		}
	}()

	s.c.registry.Unregister(s.roomID, s.userID, s.conn)
	_ = s.transport.Close()

	if s.replaced() {
		s.logger.Info("websocket superseded by a newer connection")
		return
	}

	ctx, cancel := context.WithTimeout(parent, cleanupTimeout)
	defer cancel()

	reg := s.c.registry
	reg.Broadcast(s.roomID, relay.PeerEvent{Type: relay.TypePeerLeft, UserID: s.userID}, s.userID)

	_ = s.c.presence.ClearTyping(ctx, s.roomID, s.userID)

	// 同一使用者可能在上面的步驟期間重新連上，此時在線記錄屬於新連接
	if s.replaced() {
		s.logger.Info("websocket replaced during cleanup, presence kept")
		return
	}
	online, _ := s.c.presence.Leave(ctx, s.roomID, s.userID)
	reg.Broadcast(s.roomID, relay.PresenceUpdate{Type: relay.TypePresenceUpdate, Online: online}, "")
	s.publish(ctx, activity.KindLeft, online)

	s.logger.Info("websocket disconnected",
		"duration", time.Since(s.conn.ConnectedAt).Round(time.Millisecond))
}

// replaced 同一 (房間, 使用者) 是否已由另一個連接接手
//
// 舊連接被 prune 移除後才重連時不會被標記 superseded，需要比對註冊表。
func (s *session) replaced() bool {
	if s.conn.Superseded() {
		return true
	}
	current, ok := s.c.registry.Lookup(s.roomID, s.userID)
	return ok && current != s.conn
}

func (s *session) publish(ctx context.Context, kind string, online []string) {
	// 發布失敗已在 publisher 內記錄
	_ = s.c.events.Publish(ctx, activity.Event{
		Kind:        kind,
		RoomID:      s.roomID,
		UserID:      s.userID,
		DisplayName: s.displayName,
		Online:      online,
	})
}
