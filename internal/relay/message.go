package relay

import "encoding/json"

// 消息類型
const (
	TypeWebRTCOffer    = "webrtc-offer"
	TypeWebRTCAnswer   = "webrtc-answer"
	TypeWebRTCICE      = "webrtc-ice"
	TypeCanvasDraw     = "canvas-draw"
	TypeCanvasClear    = "canvas-clear"
	TypeHeartbeat      = "heartbeat"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
	TypeGetPeers       = "get-peers"
	TypePeersList      = "peers-list"
	TypePresenceUpdate = "presence-update"
	TypePeerJoined     = "peer-joined"
	TypePeerLeft       = "peer-left"
)

// Inbound 客戶端送來的消息
//
// 信令內容（sdp、candidate）與畫布資料原樣轉發，不解析。
type Inbound struct {
	Type         string          `json:"type"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	DrawData     json.RawMessage `json:"drawData,omitempty"`
}

// Signal 轉發給目標用戶的信令
type Signal struct {
	Type        string          `json:"type"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	SDP         json.RawMessage `json:"sdp,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// CanvasEvent 畫布事件
type CanvasEvent struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	DrawData json.RawMessage `json:"drawData,omitempty"`
}

// TypingEvent 輸入中提示
type TypingEvent struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PeerEvent 成員加入/離開
type PeerEvent struct {
	Type        string   `json:"type"`
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName,omitempty"`
	Peers       []string `json:"peers,omitempty"`
}

// PeersList get-peers 的回覆
type PeersList struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers"`
}

// PresenceUpdate 在線名單變更
type PresenceUpdate struct {
	Type   string   `json:"type"`
	Online []string `json:"online"`
}

// encode 已序列化的 []byte 直接使用，其他值編碼為 JSON
func encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	default:
		return json.Marshal(msg)
	}
}
