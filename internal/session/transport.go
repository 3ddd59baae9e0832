package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport 以 WebSocket 實作 relay.Transport
//
// gorilla/websocket 同一時間只允許一個寫入者，
// 廣播來自多個 goroutine，所以寫入以互斥鎖串行化。
// Close 與 WriteControl 可與其他方法並發呼叫，不需要鎖。
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, writeWait time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeWait: writeWait}
}

// Send 寫入一個文字幀，超過 writeWait 視為失敗
func (t *wsTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Ping 發送 ping 控制幀
func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// Close 盡力送出關閉幀後關閉底層連接，可重複呼叫
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
