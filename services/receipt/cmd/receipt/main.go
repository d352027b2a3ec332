package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"receiptwise/internal/ratelimit"
	"receiptwise/internal/util"
	"receiptwise/pkg/extract"
	"receiptwise/pkg/queue"
	"receiptwise/pkg/storage"
	"receiptwise/services/receipt/internal/app"
	"receiptwise/services/receipt/internal/config"
	"receiptwise/services/receipt/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	extractor, err := extract.NewClient(cfg.ExtractionBaseURL, cfg.ExtractionAPIKey, time.Duration(cfg.ExtractionTimeoutSeconds)*time.Second)
	if err != nil {
		log.Fatalf("failed to init extraction client: %v", err)
	}

	limiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr,
		cfg.RedisPassword,
		"receiptwise:extract",
		cfg.RateLimitJobs,
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		Limiter:    limiter,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		Objects:         objects,
		Jobs:            jobs,
		Extractor:       extractor,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		PresignTTL:      time.Duration(cfg.PresignTTLSeconds) * time.Second,
		DefaultCurrency: cfg.DefaultCurrency,
		Concurrency:     cfg.QueueConcurrency,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: cfg.MaxUploadBytes,
		ServiceName:    "receipt",
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return appCore.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("receipt server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
