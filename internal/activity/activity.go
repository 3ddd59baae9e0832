// Package activity 房間活動事件的發布
//
// 使用者加入或離開房間時發布一則事件，供其他服務（通知、統計）訂閱。
// 事件是盡力而為的：發布失敗只記錄日誌，不影響連接流程。
//
// Subject 格式：<prefix>.room.<room_id>.presence
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix 預設的 subject 前綴
const DefaultSubjectPrefix = "studyroom"

// 事件種類
const (
	KindJoined = "joined"
	KindLeft   = "left"
)

// Event 房間活動事件
type Event struct {
	Kind        string    `json:"kind"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Online      []string  `json:"online"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher 事件發布者
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 不發布任何事件（未設定 NATS 時使用）
type Nop struct{}

// Publish 直接返回
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 直接返回
func (Nop) Close() error { return nil }

// msgPublisher *nats.Conn 中用到的部分
type msgPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher 以 NATS core publish 發布事件
//
// 不持久化，訂閱者不在線時事件會丟失。
type NATSPublisher struct {
	conn   msgPublisher
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect 連接 NATS 並建立發布者
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "activity")

	nc, err := nats.Connect(url,
		nats.Name("study-room-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := newPublisher(nc, prefix, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Subject 事件的 subject
func (p *NATSPublisher) Subject(roomID string) string {
	return fmt.Sprintf("%s.room.%s.presence", p.prefix, sanitize(roomID))
}

// Publish 發布事件
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Online == nil {
		event.Online = []string{}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(event.RoomID), data); err != nil {
		p.logger.WarnContext(ctx, "publish activity event failed",
			"room_id", event.RoomID,
			"kind", event.Kind,
			"error", err)
		return fmt.Errorf("publish activity event: %w", err)
	}
	return nil
}

// Close 送出緩衝中的消息後關閉連接
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// sanitize 房間 ID 中的 subject 特殊字元替換為底線
func sanitize(token string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, token)
}
