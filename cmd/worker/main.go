package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtriage/internal/collaborator"
	"mailtriage/internal/config"
	"mailtriage/internal/handler"
	"mailtriage/internal/httpserver"
	"mailtriage/internal/monitor"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/repository"
	"mailtriage/internal/worker"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/db"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/outbox"
)

func main() {
	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting worker service...", zap.Int("concurrency", cfg.Worker.Concurrency))

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

	outboxRepo := outbox.NewRepository(dbConn)
	itemRepo := repository.NewWorkItemRepository(dbConn, outboxRepo, zl)

	orchestrator := pipeline.NewOrchestrator(
		itemRepo,
		newRedactor(cfg, zl),
		collaborator.NewOpenAIClassifier(
			collaborator.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL),
			cfg.LLM.ClassifyModel,
			cfg.LLM.Timeout,
			circuitbreaker.New("classifier", circuitbreaker.DefaultConfig(), zl),
			zl,
		),
		collaborator.NewOpenAIReplyDrafter(
			collaborator.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL),
			cfg.LLM.ReplyModel,
			cfg.LLM.Timeout,
			circuitbreaker.New("reply_drafter", circuitbreaker.DefaultConfig(), zl),
			zl,
		),
		pipeline.Config{
			RedactTimeout:   cfg.Worker.RedactTimeout,
			ClassifyTimeout: cfg.Worker.ClassifyTimeout,
			ReplyTimeout:    cfg.Worker.ReplyTimeout,
			PersistTimeout:  cfg.Worker.PersistTimeout,
		},
		zl,
	)

	loopCfg := worker.Config{
		IdleDelay:    cfg.Worker.IdleDelay,
		MaxIdleDelay: cfg.Worker.MaxIdleDelay,
		Multiplier:   worker.DefaultConfig().Multiplier,
		ErrorDelay:   cfg.Worker.ErrorDelay,
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Worker.Concurrency; i++ {
		loop := worker.NewLoop(i, itemRepo, orchestrator, loopCfg, zl)
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}

	// Outbox Dispatcher：MQ 不可用时不启动，事件留在表里等待重放
	var broker handler.BrokerStatus
	if cfg.Outbox.Enabled && cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			zl.Warn("MQ unavailable, outbox dispatcher not started", zap.Error(err))
		} else {
			defer publisher.Close()
			broker = publisher
			dispatcher := outbox.NewDispatcher(outboxRepo, publisher, zl).
				WithInterval(cfg.Outbox.Interval).
				WithBatchSize(cfg.Outbox.BatchSize).
				WithMaxRetries(cfg.Outbox.MaxRetries)
			g.Go(func() error {
				dispatcher.Start(gctx)
				return nil
			})
		}
	} else {
		zl.Info("Outbox dispatcher disabled")
	}

	reporter := monitor.NewStuckReporter(itemRepo, cfg.Monitor.Schedule, cfg.Monitor.StuckAfter, zl)
	if err := reporter.Start(); err != nil {
		zl.Fatal("failed to start stuck reporter", zap.Error(err))
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reporter.Stop(stopCtx)
		return nil
	})

	opsServer := httpserver.NewServer(
		":"+cfg.Worker.OpsPort,
		httpserver.NewOpsRouter(handler.NewHealthHandler(dbConn, broker, cfg.App+"-worker", cfg.Version), zl),
		zl,
	)
	g.Go(func() error {
		return opsServer.Run(gctx, 30*time.Second)
	})

	zl.Info("Worker service is ready")
	if err := g.Wait(); err != nil {
		zl.Error("Worker service exited with error", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("Worker service stopped")
}

func newRedactor(cfg *config.Config, zl *zap.Logger) collaborator.Redactor {
	if cfg.Redactor.Mode == "presidio" {
		zl.Info("Using Presidio redactor",
			zap.String("analyzer", cfg.Redactor.AnalyzerURL),
			zap.String("anonymizer", cfg.Redactor.AnonymizerURL),
		)
		return collaborator.NewPresidioRedactor(
			collaborator.PresidioConfig{
				AnalyzerURL:   cfg.Redactor.AnalyzerURL,
				AnonymizerURL: cfg.Redactor.AnonymizerURL,
				Language:      "en",
				Timeout:       cfg.Redactor.Timeout,
			},
			circuitbreaker.New("redactor", circuitbreaker.DefaultConfig(), zl),
			zl,
		)
	}
	zl.Info("Using local pattern redactor")
	return collaborator.NewPatternRedactor()
}
