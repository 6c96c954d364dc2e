package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"charterbook/internal/util"
	"charterbook/pkg/queue"
	"charterbook/pkg/storage"
	"charterbook/services/delivery/internal/app"
	"charterbook/services/delivery/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepInterval, _ := config.ParseDuration(cfg.SweepInterval)
	sweepAge, _ := config.ParseDuration(cfg.SweepAge)
	linkTTL, _ := config.ParseDuration(cfg.LinkTTL)

	objects, backend, err := storage.New(ctx, cfg.StorageOptions())
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		Consumer:   util.NewID(),
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init delivery queue: %v", err)
	}
	defer q.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := q.Ping(pingCtx); err != nil {
		cancel()
		log.Fatalf("redis unreachable: %v", err)
	}
	cancel()

	worker, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		Objects:        objects,
		Queue:          q,
		CharterPackKey: cfg.CharterPackKey,
		LinkTTL:        linkTTL,
		Concurrency:    cfg.QueueConcurrency,
		SweepInterval:  sweepInterval,
		SweepAge:       sweepAge,
		SweepBatch:     cfg.SweepBatch,
	})
	if err != nil {
		log.Fatalf("failed to init delivery worker: %v", err)
	}
	if err := worker.Start(ctx); err != nil {
		log.Fatalf("failed to start delivery worker: %v", err)
	}
	slog.Info("delivery worker running", "storage", backend)

	<-ctx.Done()
	slog.Info("delivery worker stopping")
	worker.Stop()
}
