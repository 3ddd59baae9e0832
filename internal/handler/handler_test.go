package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/study-room-relay/internal/handler"
	"github.com/koopa0/system-design/study-room-relay/internal/identity"
	"github.com/koopa0/system-design/study-room-relay/internal/leaderboard"
	"github.com/koopa0/system-design/study-room-relay/internal/presence"
	"github.com/koopa0/system-design/study-room-relay/internal/ratelimit"
	"github.com/koopa0/system-design/study-room-relay/internal/record"
	"github.com/koopa0/system-design/study-room-relay/internal/relay"
	"github.com/koopa0/system-design/study-room-relay/internal/session"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	"github.com/koopa0/system-design/study-room-relay/internal/testutils"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
	"github.com/koopa0/system-design/study-room-relay/pkg/logger"
)

const testSecret = "test-secret"

type harness struct {
	env      *testutils.MiniEnv
	records  *testutils.MemoryRecords
	tracker  *presence.Tracker
	cache    *leaderboard.Cache
	registry *relay.Registry
	routes   http.Handler
}

func profiles() []record.Profile {
	return []record.Profile{
		{ID: "alice", DisplayName: "Alice", XP: 300},
		{ID: "bob", DisplayName: "Bob", XP: 200},
		{ID: "carol", DisplayName: "Carol", XP: 100},
	}
}

func newHarness(t *testing.T, s *store.Client, rateLimit func(http.Handler) http.Handler) *harness {
	t.Helper()
	return newHarnessWithRecords(t, s, rateLimit, testutils.NewMemoryRecords(profiles()...))
}

func newHarnessWithRecords(t *testing.T, s *store.Client, rateLimit func(http.Handler) http.Handler, records *testutils.MemoryRecords) *harness {
	t.Helper()

	h := &harness{records: records}
	if s == nil {
		h.env = testutils.SetupMiniRedis(t)
		s = h.env.Store
		h.tracker = presence.New(s, presence.DefaultTTL, logger.Discard(), presence.WithClock(h.env.Clock.Now))
	} else {
		h.tracker = presence.New(s, presence.DefaultTTL, logger.Discard())
	}
	h.cache = leaderboard.NewCache(s, h.records, logger.Discard())
	h.registry = relay.NewRegistry(logger.Discard())

	api := handler.New(handler.Deps{
		Records:     h.records,
		Presence:    h.tracker,
		Leaderboard: h.cache,
		Store:       s,
		Registry:    h.registry,
		Identity:    identity.NewResolver(testSecret),
		ServiceName: "test-relay",
	}, logger.Discard())
	h.routes = api.Routes(nil, rateLimit)
	return h
}

func token(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do 發送請求並解析 JSON 回應
func (h *harness) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}

	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

// TestHealth 測試健康檢查
func TestHealth(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec, body := h.do(t, "GET", "/api/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-relay", body["service"])
	assert.Equal(t, true, body["redis"])

	t.Run("redis down", func(t *testing.T) {
		h.env.StopServer()

		rec, body := h.do(t, "GET", "/api/health", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, false, body["redis"])
	})
}

// TestRequestID 測試請求 ID 的產生與沿用
func TestRequestID(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec, _ := h.do(t, "GET", "/api/health", "", "")
	assert.Len(t, rec.Header().Get(handler.RequestIDHeader), 36)

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set(handler.RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(handler.RequestIDHeader))
}

// TestRooms_Lifecycle 測試建立、查詢、加入與離開房間
func TestRooms_Lifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec, body := h.do(t, "POST", "/api/rooms", "", `{"name":"Calculus"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.ErrCodeUnauthenticated, body["code"])

	rec, body = h.do(t, "POST", "/api/rooms", "alice", `{"name":"Calculus","subject":"math"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	room := body["room"].(map[string]any)
	roomID := room["id"].(string)
	code := room["room_code"].(string)
	assert.Equal(t, "doubt_solving", room["room_type"])
	assert.EqualValues(t, 15, room["max_members"])
	assert.EqualValues(t, 1, room["member_count"])

	rec, body = h.do(t, "GET", "/api/rooms", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rooms"], 1)

	rec, body = h.do(t, "GET", "/api/rooms?is_active=false", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["rooms"])

	rec, body = h.do(t, "POST", "/api/rooms/"+roomID+"/join", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	member := body["member"].(map[string]any)
	assert.Equal(t, "bob", member["user_id"])
	assert.Equal(t, "member", member["role"])

	rec, body = h.do(t, "POST", "/api/rooms/join-by-code", "carol", `{"room_code":"`+strings.ToLower(code)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, roomID, body["room"].(map[string]any)["id"])
	assert.Equal(t, "carol", body["member"].(map[string]any)["user_id"])

	rec, body = h.do(t, "GET", "/api/rooms/"+roomID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := body["room"].(map[string]any)
	assert.Len(t, detail["members"], 3)
	assert.Equal(t, "Alice", detail["host"].(map[string]any)["display_name"])

	rec, body = h.do(t, "POST", "/api/rooms/"+roomID+"/leave", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	_, body = h.do(t, "GET", "/api/rooms/"+roomID, "", "")
	assert.Len(t, body["room"].(map[string]any)["members"], 2)
}

// TestRooms_Errors 測試房間 API 的錯誤回應
func TestRooms_Errors(t *testing.T) {
	h := newHarness(t, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		code   string
	}{
		{"unknown room", "GET", "/api/rooms/nope", "", "", http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"invalid is_active", "GET", "/api/rooms?is_active=maybe", "", "", http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"empty name", "POST", "/api/rooms", "alice", `{"name":"  "}`, http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"malformed body", "POST", "/api/rooms", "alice", `{"name":`, http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"unknown host profile", "POST", "/api/rooms", "mallory", `{"name":"x"}`, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"join unknown room", "POST", "/api/rooms/nope/join", "bob", "", http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"join without identity", "POST", "/api/rooms/nope/join", "", "", http.StatusUnauthorized, apperrors.ErrCodeUnauthenticated},
		{"missing room code", "POST", "/api/rooms/join-by-code", "bob", `{}`, http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"unknown room code", "POST", "/api/rooms/join-by-code", "bob", `{"room_code":"ZZZ"}`, http.StatusNotFound, apperrors.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/rooms", strings.NewReader(`{"name":"x"}`))
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		h.routes.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("record system unavailable", func(t *testing.T) {
		h.records.SetErr(apperrors.ErrRecordUnavailable)
		defer h.records.SetErr(nil)

		rec, body := h.do(t, "GET", "/api/rooms", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, apperrors.ErrCodeUnavailable, body["code"])
	})
}

// TestRoomPresence 測試房間在線列表
func TestRoomPresence(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.tracker.Join(ctx, "r1", "bob", "Bob")
	require.NoError(t, err)
	_, err = h.tracker.Join(ctx, "r1", "alice", "Alice")
	require.NoError(t, err)

	rec, body := h.do(t, "GET", "/api/rooms/r1/presence", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", body["room_id"])
	assert.EqualValues(t, 2, body["online_count"])
	assert.Equal(t, []any{
		map[string]any{"user_id": "alice", "display_name": "Alice"},
		map[string]any{"user_id": "bob", "display_name": "Bob"},
	}, body["users"])

	h.env.Advance(presence.DefaultTTL + time.Second)

	_, body = h.do(t, "GET", "/api/rooms/r1/presence", "", "")
	assert.EqualValues(t, 0, body["online_count"])
	assert.Equal(t, []any{}, body["users"])
}

// TestProfile 測試使用者資料與即時在線狀態
func TestProfile(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec, body := h.do(t, "GET", "/api/users/bob", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	profile := body["profile"].(map[string]any)
	assert.Equal(t, "Bob", profile["display_name"])
	assert.Equal(t, false, profile["is_online"])

	_, err := h.tracker.Join(context.Background(), "r1", "bob", "Bob")
	require.NoError(t, err)

	_, body = h.do(t, "GET", "/api/users/bob", "", "")
	assert.Equal(t, true, body["profile"].(map[string]any)["is_online"])

	rec, body = h.do(t, "GET", "/api/users/nobody", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.ErrCodeNotFound, body["code"])

	t.Run("me", func(t *testing.T) {
		rec, _ := h.do(t, "GET", "/api/users/me", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, body := h.do(t, "GET", "/api/users/me", "alice", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", body["profile"].(map[string]any)["id"])
	})
}

// TestLeaderboard_Source 測試快取命中與回退
func TestLeaderboard_Source(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec, body := h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "database", body["source"])
	entries := body["leaderboard"].([]any)
	require.Len(t, entries, 3)
	assert.Equal(t, "alice", entries[0].(map[string]any)["id"])

	require.NoError(t, h.cache.Refresh(context.Background()))
	require.NoError(t, h.cache.PatchScore(context.Background(), "carol", 999))

	_, body = h.do(t, "GET", "/api/users/leaderboard/xp?limit=2", "", "")
	assert.Equal(t, "cache", body["source"])
	entries = body["leaderboard"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "carol", entries[0].(map[string]any)["id"])
	assert.EqualValues(t, 999, entries[0].(map[string]any)["xp"])

	h.env.Advance(leaderboard.DefaultTTL + time.Second)

	_, body = h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
	assert.Equal(t, "database", body["source"])
}

// TestLeaderboard_BeyondCachedRange 測試超過快取名次數的 limit 改查記錄系統
func TestLeaderboard_BeyondCachedRange(t *testing.T) {
	many := make([]record.Profile, 60)
	for i := range many {
		many[i] = record.Profile{
			ID:          fmt.Sprintf("user-%02d", i),
			DisplayName: fmt.Sprintf("User %d", i),
			XP:          int64(1000 - i),
		}
	}
	h := newHarnessWithRecords(t, nil, nil, testutils.NewMemoryRecords(many...))
	require.NoError(t, h.cache.Refresh(context.Background()))

	tests := []struct {
		limit  int
		source string
		count  int
	}{
		{10, "cache", 10},
		{leaderboard.DefaultTopN, "cache", leaderboard.DefaultTopN},
		{leaderboard.DefaultTopN + 1, "database", leaderboard.DefaultTopN + 1},
		{100, "database", 60},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.limit), func(t *testing.T) {
			rec, body := h.do(t, "GET", "/api/users/leaderboard/xp?limit="+strconv.Itoa(tt.limit), "", "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.source, body["source"])
			entries := body["leaderboard"].([]any)
			require.Len(t, entries, tt.count)
			assert.Equal(t, "user-00", entries[0].(map[string]any)["id"])
			assert.Equal(t, fmt.Sprintf("user-%02d", tt.count-1), entries[tt.count-1].(map[string]any)["id"])
		})
	}
}

// TestLeaderboard_Limit 測試 limit 參數
func TestLeaderboard_Limit(t *testing.T) {
	h := newHarness(t, nil, nil)

	tests := []struct {
		query  string
		status int
		count  int
	}{
		{"", http.StatusOK, 3},
		{"?limit=1", http.StatusOK, 1},
		{"?limit=1000", http.StatusOK, 3},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=-5", http.StatusBadRequest, 0},
		{"?limit=ten", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec, body := h.do(t, "GET", "/api/users/leaderboard/xp"+tt.query, "", "")
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Len(t, body["leaderboard"], tt.count)
			}
		})
	}
}

// TestLeaderboard_Degraded 測試 Redis 不可用時直接回退
func TestLeaderboard_Degraded(t *testing.T) {
	h := newHarness(t, testutils.UnavailableStore(), nil)

	rec, body := h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "database", body["source"])
	assert.Len(t, body["leaderboard"], 3)

	rec, body = h.do(t, "GET", "/api/rooms/r1/presence", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["online_count"])

	rec, body = h.do(t, "GET", "/api/users/alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["profile"].(map[string]any)["is_online"])

	h.records.SetErr(apperrors.ErrRecordUnavailable)
	rec, _ = h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestLeaderboard_FallbackCollapsed 測試並發回退只查詢一次記錄系統
func TestLeaderboard_FallbackCollapsed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.records.TopDelay = 300 * time.Millisecond

	testutils.RunConcurrently(t, 10, func(int) {
		req := httptest.NewRequest("GET", "/api/users/leaderboard/xp", nil)
		rec := httptest.NewRecorder()
		h.routes.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	assert.EqualValues(t, 1, h.records.TopCalls.Load())
}

type panicRecords struct {
	*testutils.MemoryRecords
}

func (panicRecords) GetRoom(context.Context, string) (*record.RoomDetail, error) {
	panic("boom")
}

// TestRecoverer 測試 panic 轉為 500
func TestRecoverer(t *testing.T) {
	env := testutils.SetupMiniRedis(t)
	records := panicRecords{testutils.NewMemoryRecords()}

	api := handler.New(handler.Deps{
		Records:     records,
		Presence:    presence.New(env.Store, 0, logger.Discard()),
		Leaderboard: leaderboard.NewCache(env.Store, records, logger.Discard()),
		Store:       env.Store,
	}, logger.Discard())
	routes := api.Routes(nil, nil)

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest("GET", "/api/rooms/r1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")

	// 其他路由不受影響
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestRateLimit_Routes 測試限流包在所有路由外層
func TestRateLimit_Routes(t *testing.T) {
	env := testutils.SetupMiniRedis(t)
	limiter := ratelimit.New(env.Store, map[ratelimit.Category]ratelimit.Quota{
		ratelimit.CategoryLeaderboard: {Max: 2, Window: time.Minute},
	}, logger.Discard(), ratelimit.WithClock(env.Clock.Now))

	mw := ratelimit.RateLimit(ratelimit.MiddlewareConfig{
		Limiter: limiter,
		KeyFunc: identity.NewResolver(testSecret).ClientKey,
		Timeout: time.Second,
		Logger:  logger.Discard(),
	})
	h := newHarness(t, env.Store, mw)

	for i := 0; i < 2; i++ {
		rec, _ := h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec, body := h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.EqualValues(t, 60, body["retry_after"])
	assert.NotEmpty(t, rec.Header().Get(handler.RequestIDHeader))

	// 其他類別與健康檢查不受影響
	rec, _ = h.do(t, "GET", "/api/rooms", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	for i := 0; i < 5; i++ {
		rec, _ = h.do(t, "GET", "/api/health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	t.Run("fail open", func(t *testing.T) {
		env.StopServer()
		rec, _ := h.do(t, "GET", "/api/users/leaderboard/xp", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

type nopTransport struct{}

func (nopTransport) Send([]byte) error { return nil }
func (nopTransport) Close() error      { return nil }

// TestStats 測試連接統計
func TestStats(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.registry.Register("r1", "alice", "Alice", nopTransport{})
	require.NoError(t, err)
	_, err = h.registry.Register("r1", "bob", "Bob", nopTransport{})
	require.NoError(t, err)
	_, err = h.registry.Register("r2", "carol", "Carol", nopTransport{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats relay.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, relay.Stats{
		Rooms:       2,
		Connections: 3,
		PerRoom:     map[string]int{"r1": 2, "r2": 1},
	}, stats)
}

// TestWebSocketThroughMiddleware 測試 WebSocket 升級能穿過中介軟體
func TestWebSocketThroughMiddleware(t *testing.T) {
	env := testutils.SetupMiniRedis(t)
	records := testutils.NewMemoryRecords(profiles()...)
	tracker := presence.New(env.Store, presence.DefaultTTL, logger.Discard(), presence.WithClock(env.Clock.Now))
	registry := relay.NewRegistry(logger.Discard())
	coord := session.New(registry, tracker, nil, session.DefaultOptions(), logger.Discard())

	api := handler.New(handler.Deps{
		Records:     records,
		Presence:    tracker,
		Leaderboard: leaderboard.NewCache(env.Store, records, logger.Discard()),
		Store:       env.Store,
		Registry:    registry,
	}, logger.Discard())

	server := httptest.NewServer(api.Routes(coord.ServeWS, nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/room/r1?user_id=alice&display_name=Alice"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(handler.RequestIDHeader))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, relay.TypePresenceUpdate, msg["type"])
	assert.Equal(t, []any{"alice"}, msg["online"])

	require.NoError(t, conn.Close())
	registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(ctx))
}
