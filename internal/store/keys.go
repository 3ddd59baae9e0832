package store

// Key 命名空間
//
//	presence:{room}            HASH   user → 顯示名稱
//	presence_seen:{room}       ZSET   user → 最後心跳（毫秒）
//	user_rooms:{user}          SET    使用者所在的房間
//	online:{user}              STRING 全域在線旗標（TTL）
//	typing:{room}:{user}       STRING 輸入中旗標（短 TTL）
//	rate:{category}:{client}   ZSET   滑動視窗請求時間
//	leaderboard:xp             ZSET   user → XP
//	leaderboard:xp:data        HASH   user → 顯示資料 JSON
const (
	LeaderboardKey     = "leaderboard:xp"
	LeaderboardDataKey = "leaderboard:xp:data"
)

// PresenceKey 房間在線名單
func PresenceKey(roomID string) string {
	return "presence:" + roomID
}

// PresenceSeenKey 房間內每位使用者的最後心跳時間
func PresenceSeenKey(roomID string) string {
	return "presence_seen:" + roomID
}

// UserRoomsKey 使用者所在房間集合
func UserRoomsKey(userID string) string {
	return "user_rooms:" + userID
}

// OnlineKey 全域在線旗標
func OnlineKey(userID string) string {
	return "online:" + userID
}

// TypingKey 輸入中旗標
func TypingKey(roomID, userID string) string {
	return "typing:" + roomID + ":" + userID
}

// RateKey 限流視窗
func RateKey(category, client string) string {
	return "rate:" + category + ":" + client
}
