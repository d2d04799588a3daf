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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-live-game-session/internal"
	"github.com/koopa0/system-design/14-live-game-session/internal/notify"
	"github.com/koopa0/system-design/14-live-game-session/internal/storage"
	"github.com/koopa0/system-design/14-live-game-session/pkg/logger"
)

func main() {
	// 解析命令行參數
	configPath := flag.String("config", "config.yaml", "配置檔路徑")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// 設置日誌
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 資料庫遷移
	migrator, err := storage.NewMigrator(cfg.Postgres.DSN, log)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return err
	}
	if err := migrator.Close(); err != nil {
		log.Warn("關閉遷移器失敗", "error", err)
	}

	// 連接池
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	db := storage.NewPostgres(pool, log)
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	// 內容快取（可選）
	var contents internal.ContentStore = db
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		contents = storage.NewCachedContentStore(db, rdb, cfg.Redis.ContentTTL, log)
	}

	// 事件發佈（可選）
	var publisher notify.Publisher = notify.Nop{}
	if cfg.NATS.URL != "" {
		natsPublisher, err := notify.NewNATSPublisher(notify.Options{
			URL:    cfg.NATS.URL,
			Stream: cfg.NATS.Stream,
			MaxAge: cfg.NATS.MaxAge,
		}, log)
		if err != nil {
			return err
		}
		publisher = natsPublisher
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("關閉事件發佈者失敗", "error", err)
		}
	}()

	// 房間與閘道
	registry := internal.NewRegistry(log, internal.RegistryOptions{
		MaxCodeAttempts:  cfg.Rooms.MaxCodeAttempts,
		DedupeByIdentity: cfg.Rooms.DedupeByIdentity,
	})

	tokens := internal.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	gwOpts := internal.GatewayOptionsFromConfig(cfg)
	gwOpts.Tokens = tokens
	gwOpts.Publisher = publisher
	gateway := internal.NewGateway(registry, log, gwOpts)

	handler := internal.NewHandler(internal.HandlerDeps{
		Registry:    registry,
		Gateway:     gateway,
		Authorizer:  internal.NewAuthorizer(db, registry, log),
		Contents:    contents,
		Assignments: db,
		Results:     db,
		Tokens:      tokens,
		Publisher:   publisher,
		Health:      db,
	}, log)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("遊戲房間服務器啟動",
			"port", cfg.Server.Port,
			"log_level", cfg.Log.Level,
			"redis", cfg.Redis.Addr != "",
			"nats", cfg.NATS.URL != "")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 等待中斷信號或服務器錯誤
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("收到關閉信號，開始優雅關閉...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接；已升級的 websocket 不受 Shutdown 管理，由閘道關閉
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}
	gateway.Stop()

	log.Info("服務器已關閉", "rooms", registry.Stats().LiveRooms)
	return nil
}
