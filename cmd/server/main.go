package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/study-room-relay/internal/activity"
	"github.com/koopa0/system-design/study-room-relay/internal/config"
	"github.com/koopa0/system-design/study-room-relay/internal/handler"
	"github.com/koopa0/system-design/study-room-relay/internal/identity"
	"github.com/koopa0/system-design/study-room-relay/internal/leaderboard"
	"github.com/koopa0/system-design/study-room-relay/internal/presence"
	"github.com/koopa0/system-design/study-room-relay/internal/ratelimit"
	"github.com/koopa0/system-design/study-room-relay/internal/record"
	"github.com/koopa0/system-design/study-room-relay/internal/relay"
	"github.com/koopa0/system-design/study-room-relay/internal/session"
	"github.com/koopa0/system-design/study-room-relay/internal/store"
	"github.com/koopa0/system-design/study-room-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑（可選，環境變數會覆蓋）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 臨時狀態儲存：連不上也照常啟動，各元件自行降級
	rdb, err := store.Dial(cfg)
	if err != nil {
		return err
	}
	kv := store.New(rdb, cfg.Redis.OpTimeout, log)
	defer kv.Close()

	redisReady := kv.Ping(ctx) == nil
	if !redisReady {
		log.Warn("redis unavailable at startup, running degraded")
	}

	// 記錄系統
	pool, err := record.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Warn("postgres unavailable at startup", "error", err)
	}
	records := record.NewPostgresStore(pool, log)

	// 活動事件
	var events activity.Publisher = activity.Nop{}
	if cfg.NATS.URL != "" {
		publisher, err := activity.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Warn("activity events disabled", "error", err)
		} else {
			events = publisher
		}
	}
	defer events.Close()

	tracker := presence.New(kv, cfg.Presence.TTL, log, presence.WithTypingTTL(cfg.Presence.TypingTTL))

	cache := leaderboard.NewCache(kv, records, log,
		leaderboard.WithTopN(cfg.Leaderboard.TopN),
		leaderboard.WithTTL(cfg.Leaderboard.CacheTTL))
	scheduler := leaderboard.NewScheduler(cache, cfg.Leaderboard.RefreshInterval, log)
	if redisReady {
		scheduler.Start(ctx)
	} else {
		log.Warn("leaderboard refresh disabled, serving from postgres")
	}

	registry := relay.NewRegistry(log)
	coord := session.New(registry, tracker, events, session.OptionsFromConfig(cfg), log)

	resolver := identity.NewResolver(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret not set, bearer tokens are not verified")
	}

	var rateLimit func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(kv, map[ratelimit.Category]ratelimit.Quota{
			ratelimit.CategoryAuth:        quota(cfg.RateLimit.Auth),
			ratelimit.CategoryRoomCreate:  quota(cfg.RateLimit.RoomCreate),
			ratelimit.CategoryLeaderboard: quota(cfg.RateLimit.Leaderboard),
			ratelimit.CategoryDefault:     quota(cfg.RateLimit.Default),
		}, log, ratelimit.WithAtomic(cfg.RateLimit.Atomic))

		rateLimit = ratelimit.RateLimit(ratelimit.MiddlewareConfig{
			Limiter: limiter,
			KeyFunc: resolver.ClientKey,
			Logger:  log,
		})
	}

	api := handler.New(handler.Deps{
		Records:     records,
		Presence:    tracker,
		Leaderboard: cache,
		Store:       kv,
		Registry:    registry,
		Identity:    resolver,
		ServiceName: cfg.Server.ServiceName,
	}, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(coord.ServeWS, rateLimit),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"port", cfg.Server.Port,
			"service", cfg.Server.ServiceName,
			"rate_limit", cfg.RateLimit.Enabled,
			"nats", cfg.NATS.URL != "")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新請求；已劫持的 WebSocket 不在 Shutdown 的管理範圍
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}

	// 關閉所有連接讓讀取迴圈結束，再等清理（presence leave）完成
	registry.Close()
	if err := coord.Wait(shutdownCtx); err != nil {
		log.Warn("sessions did not finish cleanup", "error", err)
	}

	scheduler.Stop()

	log.Info("server stopped")
	return nil
}

func quota(q config.Quota) ratelimit.Quota {
	return ratelimit.Quota{Max: q.Max, Window: q.Window}
}
