package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtriage/internal/config"
	"mailtriage/internal/handler"
	"mailtriage/internal/httpserver"
	"mailtriage/internal/ingest"
	"mailtriage/internal/repository"
	"mailtriage/pkg/auth"
	"mailtriage/pkg/db"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/outbox"
	redisclient "mailtriage/pkg/redis"
	"mailtriage/pkg/util"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of the given password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, zl)
	if err != nil {
		zl.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	if err := repository.EnsureSchema(ctx, dbConn); err != nil {
		zl.Fatal("schema initialization failed", zap.Error(err))
	}

	// Redis 只做入库前的去重预过滤，不可用时退化为仅依赖唯一约束
	var dedup ingest.Deduper
	if cfg.Redis.Addr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			zl.Warn("Redis unavailable, ingest dedup cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			dedup = util.NewDeduper(rdb, cfg.Redis.DedupTTL, zl)
		}
	}

	// MQ 仅用于管理端直接重放；不可用时重放只把事件重置为 pending
	var publisher outbox.EventPublisher
	var broker handler.BrokerStatus
	if cfg.MQ.URL != "" {
		p, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			zl.Warn("MQ unavailable, outbox replay will requeue only", zap.Error(err))
		} else {
			defer p.Close()
			publisher = p
			broker = p
		}
	}

	outboxRepo := outbox.NewRepository(dbConn)
	itemRepo := repository.NewWorkItemRepository(dbConn, outboxRepo, zl)
	gateway := ingest.NewGateway(itemRepo, dedup, zl)
	replayService := outbox.NewReplayService(outboxRepo, publisher, zl)

	router := httpserver.NewRouter(
		handler.NewHealthHandler(dbConn, broker, cfg.App, cfg.Version),
		handler.NewWorkItemHandler(itemRepo, gateway, zl),
		handler.NewAdminHandler(replayService, itemRepo, cfg.Admin, zl),
		cfg.Admin.JWTSecret,
		zl,
	)
	if cfg.Admin.JWTSecret == "" {
		zl.Warn("admin.jwt_secret is empty, admin endpoints will reject every request")
	}

	server := httpserver.NewServer(cfg.Server.Addr(), router, zl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, shutdownTimeout(cfg))
	})

	zl.Info("API service started", zap.String("addr", cfg.Server.Addr()))
	if err := g.Wait(); err != nil {
		zl.Error("API service exited with error", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("API service stopped")
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
