package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/study-room-relay/internal/config"
	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

// foreignKeyViolation PostgreSQL 外鍵錯誤碼
const foreignKeyViolation = "23503"

// NewPool 依配置建立連接池
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.Postgres.MaxConns
	poolConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

// PostgresStore 以 pgx 實作的記錄系統
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 建立記錄系統存取層
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "record"),
	}
}

const roomColumns = `r.id, r.name, r.room_type, r.subject, r.topic, r.host_id,
	r.max_members, r.timer_duration, r.break_duration, COALESCE(r.room_code, ''),
	r.is_active, r.created_at`

func scanRoom(row pgx.Row, extra ...any) (Room, error) {
	var r Room
	dest := []any{
		&r.ID, &r.Name, &r.RoomType, &r.Subject, &r.Topic, &r.HostID,
		&r.MaxMembers, &r.TimerDuration, &r.BreakDuration, &r.RoomCode,
		&r.IsActive, &r.CreatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	return r, err
}

// ListRooms 列出房間（新建的在前）
func (s *PostgresStore) ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error) {
	query := `SELECT ` + roomColumns + `,
		p.display_name, p.avatar_url,
		(SELECT count(*) FROM room_members m WHERE m.room_id = r.id)
	FROM study_rooms r
	JOIN profiles p ON p.id = r.host_id
	WHERE r.is_active = $1 AND ($2::text = '' OR r.room_type = $2)
	ORDER BY r.created_at DESC`

	rows, err := s.pool.Query(ctx, query, filter.IsActive, filter.RoomType)
	if err != nil {
		return nil, s.fail(ctx, "list rooms", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		host := &ProfileSummary{}
		var count int
		room, err := scanRoom(rows, &host.DisplayName, &host.AvatarURL, &count)
		if err != nil {
			return nil, s.fail(ctx, "scan room", err)
		}
		host.ID = room.HostID
		room.Host = host
		room.MemberCount = count
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "list rooms", err)
	}

	return rooms, nil
}

// GetRoom 取得房間與成員
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*RoomDetail, error) {
	host := &ProfileSummary{}
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+`,
		p.display_name, p.avatar_url
	FROM study_rooms r
	JOIN profiles p ON p.id = r.host_id
	WHERE r.id = $1`, roomID), &host.DisplayName, &host.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	if err != nil {
		return nil, s.fail(ctx, "get room", err)
	}
	host.ID = room.HostID
	room.Host = host

	rows, err := s.pool.Query(ctx, `SELECT m.room_id, m.user_id, m.role, m.joined_at,
		p.display_name, p.avatar_url
	FROM room_members m
	JOIN profiles p ON p.id = m.user_id
	WHERE m.room_id = $1
	ORDER BY m.joined_at`, roomID)
	if err != nil {
		return nil, s.fail(ctx, "list members", err)
	}
	defer rows.Close()

	detail := &RoomDetail{Room: room, Members: []Member{}}
	for rows.Next() {
		m := Member{User: &ProfileSummary{}}
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Role, &m.JoinedAt,
			&m.User.DisplayName, &m.User.AvatarURL); err != nil {
			return nil, s.fail(ctx, "scan member", err)
		}
		m.User.ID = m.UserID
		detail.Members = append(detail.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "list members", err)
	}
	detail.MemberCount = len(detail.Members)

	return detail, nil
}

// CreateRoom 建立房間並把建立者加入為 host
func (s *PostgresStore) CreateRoom(ctx context.Context, hostID string, in CreateRoomInput) (*Room, error) {
	in.Normalize()

	var room Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		room, err = scanRoom(tx.QueryRow(ctx, `INSERT INTO study_rooms AS r
			(name, room_type, subject, topic, host_id, max_members, timer_duration, break_duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+roomColumns,
			in.Name, in.RoomType, in.Subject, in.Topic, hostID,
			in.MaxMembers, in.TimerDuration, in.BreakDuration))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `INSERT INTO room_members (room_id, user_id, role) VALUES ($1, $2, 'host')`,
			room.ID, hostID)
		return err
	})
	if isForeignKeyViolation(err) {
		return nil, apperrors.ErrProfileNotFound.WithDetails(hostID)
	}
	if err != nil {
		return nil, s.fail(ctx, "create room", err)
	}

	room.MemberCount = 1
	return &room, nil
}

// JoinRoom 加入房間；重複加入保留原角色
func (s *PostgresStore) JoinRoom(ctx context.Context, roomID, userID string) (*Member, error) {
	var m Member
	err := s.pool.QueryRow(ctx, `INSERT INTO room_members (room_id, user_id, role)
	VALUES ($1, $2, 'member')
	ON CONFLICT (room_id, user_id) DO UPDATE SET role = room_members.role
	RETURNING room_id, user_id, role, joined_at`, roomID, userID).
		Scan(&m.RoomID, &m.UserID, &m.Role, &m.JoinedAt)
	if isForeignKeyViolation(err) {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	if err != nil {
		return nil, s.fail(ctx, "join room", err)
	}

	return &m, nil
}

// JoinRoomByCode 以邀請碼加入啟用中的房間
func (s *PostgresStore) JoinRoomByCode(ctx context.Context, code, userID string) (*Room, *Member, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+`
	FROM study_rooms r
	WHERE r.room_code = $1 AND r.is_active`, strings.ToUpper(strings.TrimSpace(code))))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, apperrors.ErrRoomNotFound.WithDetails(code)
	}
	if err != nil {
		return nil, nil, s.fail(ctx, "find room by code", err)
	}

	member, err := s.JoinRoom(ctx, room.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	return &room, member, nil
}

// LeaveRoom 離開房間；不在房間內也視為成功
func (s *PostgresStore) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID); err != nil {
		return s.fail(ctx, "leave room", err)
	}
	return nil
}

// GetProfile 取得使用者公開資料（不含即時在線狀態）
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx, `SELECT id, display_name, avatar_url, bio, current_mood,
		xp, teaching_xp, room_coins
	FROM profiles WHERE id = $1`, userID).
		Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.CurrentMood,
			&p.XP, &p.TeachingXP, &p.RoomCoins)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrProfileNotFound.WithDetails(userID)
	}
	if err != nil {
		return nil, s.fail(ctx, "get profile", err)
	}

	return &p, nil
}

// TopProfiles 依 XP 排名
func (s *PostgresStore) TopProfiles(ctx context.Context, limit int) ([]Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, display_name, avatar_url, xp, teaching_xp, room_coins
	FROM profiles
	ORDER BY xp DESC, id
	LIMIT $1`, limit)
	if err != nil {
		return nil, s.fail(ctx, "top profiles", err)
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.XP, &p.TeachingXP, &p.RoomCoins); err != nil {
			return nil, s.fail(ctx, "scan profile", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "top profiles", err)
	}

	return profiles, nil
}

// fail 記錄錯誤並包裝為 SERVICE_UNAVAILABLE
func (s *PostgresStore) fail(ctx context.Context, op string, err error) error {
	s.logger.ErrorContext(ctx, "postgres query failed", "operation", op, "error", err)
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "system of record unavailable").WithDetails(op)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
