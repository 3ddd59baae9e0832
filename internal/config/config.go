// Package config 載入服務配置
//
// 載入順序：Default() → YAML 檔案 → 環境變數。
// 後者覆蓋前者，所以部署時只需以環境變數提供連線資訊。
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port" env:"PORT"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
		ServiceName     string        `yaml:"service_name" env:"SERVICE_NAME"`
	} `yaml:"server"`

	Redis struct {
		// URL 優先於 Addr，支援 redis:// 與 rediss://（託管 Redis）
		URL          string        `yaml:"url" env:"REDIS_URL"`
		Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
		Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB           int           `yaml:"db" env:"REDIS_DB"`
		PoolSize     int           `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
		MinIdleConns int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
		DialTimeout  time.Duration `yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
		OpTimeout    time.Duration `yaml:"op_timeout" env:"REDIS_OP_TIMEOUT"` // 每次呼叫的上限
	} `yaml:"redis"`

	Postgres struct {
		DSN      string `yaml:"dsn" env:"DATABASE_URL"`
		Host     string `yaml:"host" env:"POSTGRES_HOST"`
		Port     int    `yaml:"port" env:"POSTGRES_PORT"`
		User     string `yaml:"user" env:"POSTGRES_USER"`
		Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
		DBName   string `yaml:"dbname" env:"POSTGRES_DB"`
		MaxConns int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
		MinConns int32  `yaml:"min_conns" env:"POSTGRES_MIN_CONNS"`
	} `yaml:"postgres"`

	NATS struct {
		URL           string `yaml:"url" env:"NATS_URL"` // 空字串表示不發布活動事件
		SubjectPrefix string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX"`
	} `yaml:"nats"`

	Presence struct {
		TTL       time.Duration `yaml:"ttl" env:"PRESENCE_TTL"`
		TypingTTL time.Duration `yaml:"typing_ttl" env:"PRESENCE_TYPING_TTL"`
	} `yaml:"presence"`

	RateLimit struct {
		Enabled     bool  `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
		Atomic      bool  `yaml:"atomic" env:"RATE_LIMIT_ATOMIC"`
		Auth        Quota `yaml:"auth" envPrefix:"RATE_LIMIT_AUTH_"`
		RoomCreate  Quota `yaml:"room_create" envPrefix:"RATE_LIMIT_ROOM_CREATE_"`
		Leaderboard Quota `yaml:"leaderboard" envPrefix:"RATE_LIMIT_LEADERBOARD_"`
		Default     Quota `yaml:"default" envPrefix:"RATE_LIMIT_DEFAULT_"`
	} `yaml:"rate_limit"`

	Leaderboard struct {
		TopN            int           `yaml:"top_n" env:"LEADERBOARD_TOP_N"`
		CacheTTL        time.Duration `yaml:"cache_ttl" env:"LEADERBOARD_CACHE_TTL"`
		RefreshInterval time.Duration `yaml:"refresh_interval" env:"LEADERBOARD_REFRESH_INTERVAL"`
	} `yaml:"leaderboard"`

	Auth struct {
		// JWTSecret 為空時只解析 token 主體不驗簽（僅限開發環境）
		JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	} `yaml:"auth"`

	WebSocket struct {
		PingPeriod      time.Duration `yaml:"ping_period" env:"WS_PING_PERIOD"`
		PongWait        time.Duration `yaml:"pong_wait" env:"WS_PONG_WAIT"`
		WriteWait       time.Duration `yaml:"write_wait" env:"WS_WRITE_WAIT"`
		MaxMessageSize  int64         `yaml:"max_message_size" env:"WS_MAX_MESSAGE_SIZE"`
		ReadBufferSize  int           `yaml:"read_buffer_size" env:"WS_READ_BUFFER_SIZE"`
		WriteBufferSize int           `yaml:"write_buffer_size" env:"WS_WRITE_BUFFER_SIZE"`
		AllowedOrigins  []string      `yaml:"allowed_origins" env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"websocket"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
}

// Quota 單一路由類別的限流配額
type Quota struct {
	Max    int           `yaml:"max" env:"MAX"`
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// Default 返回預設配置，不需任何檔案即可啟動
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8000
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.ServiceName = "study-room-relay"

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.OpTimeout = 500 * time.Millisecond

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "studyrooms"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.SubjectPrefix = "studyroom"

	cfg.Presence.TTL = 90 * time.Second
	cfg.Presence.TypingTTL = 3 * time.Second

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Auth = Quota{Max: 5, Window: time.Minute}
	cfg.RateLimit.RoomCreate = Quota{Max: 10, Window: time.Hour}
	cfg.RateLimit.Leaderboard = Quota{Max: 30, Window: time.Minute}
	cfg.RateLimit.Default = Quota{Max: 60, Window: time.Minute}

	cfg.Leaderboard.TopN = 50
	cfg.Leaderboard.CacheTTL = 120 * time.Second
	cfg.Leaderboard.RefreshInterval = 60 * time.Second

	// 54s Ping / 60s 讀取期限，留 6 秒余量
	cfg.WebSocket.PingPeriod = 54 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second
	cfg.WebSocket.WriteWait = 10 * time.Second
	cfg.WebSocket.MaxMessageSize = 512 * 1024 // canvas 筆劃可能較大
	cfg.WebSocket.ReadBufferSize = 1024
	cfg.WebSocket.WriteBufferSize = 1024

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load 依序套用預設值、YAML 檔案（path 為空則略過）與環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數，非使用者請求
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 檢查配置是否可用
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence ttl must be positive")
	}
	if c.Leaderboard.TopN <= 0 {
		return fmt.Errorf("leaderboard top_n must be positive")
	}
	if c.Leaderboard.RefreshInterval <= 0 || c.Leaderboard.CacheTTL <= 0 {
		return fmt.Errorf("leaderboard intervals must be positive")
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return fmt.Errorf("websocket ping_period must be shorter than pong_wait")
	}
	for name, q := range map[string]Quota{
		"auth":        c.RateLimit.Auth,
		"room_create": c.RateLimit.RoomCreate,
		"leaderboard": c.RateLimit.Leaderboard,
		"default":     c.RateLimit.Default,
	} {
		if q.Max <= 0 || q.Window < time.Second {
			return fmt.Errorf("invalid rate limit quota %q: max=%d window=%s", name, q.Max, q.Window)
		}
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if c.Postgres.DSN != "" {
		return c.Postgres.DSN
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}
