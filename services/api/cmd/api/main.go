package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"charterbook/internal/adminauth"
	"charterbook/internal/ratelimit"
	"charterbook/internal/session"
	"charterbook/internal/util"
	"charterbook/pkg/queue"
	"charterbook/pkg/storage"
	"charterbook/services/api/internal/app"
	"charterbook/services/api/internal/config"
	"charterbook/services/api/internal/server"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionTTL, _ := config.ParseDuration(cfg.SessionTTL)
	sessionLeeway, _ := config.ParseDuration(cfg.SessionLeeway)
	linkTTL, _ := config.ParseDuration(cfg.ContentLinkTTL)

	objects, backend, err := storage.New(ctx, cfg.StorageOptions())
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	slog.Info("object storage ready", "backend", backend)

	var (
		rateStore ratelimit.Store
		jobs      queue.Enqueuer
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		rateStore = ratelimit.NewRedisStoreFromClient(client)
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client: client,
			Stream: cfg.QueueStream,
			Group:  cfg.QueueGroup,
		})
		if err != nil {
			log.Fatalf("failed to init delivery queue: %v", err)
		}
		jobs = q
	} else if cfg.Production() {
		log.Fatalf("redisAddr is required in production")
	} else {
		slog.Warn("redis not configured; rate limits are per-process and delivery waits for the sweep")
		rateStore = ratelimit.NewMemoryStore(nil)
	}

	sessions, err := session.NewManager(session.Options{
		Secret:     cfg.SessionSecret,
		Issuer:     cfg.SessionIssuer,
		Audience:   cfg.SessionAudience,
		TTL:        sessionTTL,
		Leeway:     sessionLeeway,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		Objects:         objects,
		Queue:           jobs,
		MaxReceiptBytes: cfg.MaxReceiptBytes,
		ExcerptKey:      cfg.ExcerptKey,
		CharterPackKey:  cfg.CharterPackKey,
		LinkTTL:         linkTTL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                     appCore,
		Sessions:                sessions,
		RateStore:               rateStore,
		AdminEmails:             adminauth.ParseAllowList(cfg.AdminEmails),
		TrustedProxies:          trusted,
		AllowedOrigins:          cfg.AllowedOrigins,
		UploadRateLimitPerHour:  cfg.UploadRateLimitPerHour,
		AdminRateLimitPerMinute: cfg.AdminRateLimitPerMinute,
		APIRateLimitPerMinute:   cfg.APIRateLimitPerMinute,
		SecureCookies:           cfg.Production(),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("api server listening", "addr", addr, "environment", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	appCore.Wait()
}
