// Package main provides the kvadmin daemon: the HTTP API, the job tracker
// and the bulk operation executor.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"kvadmin/internal/api"
	"kvadmin/internal/artifact"
	"kvadmin/internal/config"
	"kvadmin/internal/producer"
	"kvadmin/internal/service"
	"kvadmin/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting kvadmind", "listen", cfg.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, events, closeStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Error("key-value store unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	artifacts, err := openArtifacts(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}

	tracker := service.NewTracker(jobs, events, service.NewHub(), logger)
	runner := producer.NewRunner(ctx, rdb, tracker, artifacts, logger)
	server := api.NewServer(tracker, runner, nil, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // watch sessions are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("API available", "url", "http://localhost"+cfg.Listen+"/api/jobs")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// In-flight executors see the cancelled base context and stop.
	runner.Wait()
	logger.Info("daemon stopped")
}

// openStores picks Postgres when a DSN is configured, otherwise the
// in-memory store (job history lost on restart).
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.JobStore, store.EventLog, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no postgres DSN configured, using in-memory job store")
		mem := store.NewMemory()
		return mem, mem, func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pg.InitSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, nil, err
	}
	return pg, pg, pg.Close, nil
}

// openArtifacts picks S3 when a bucket is configured, otherwise the
// in-memory store.
func openArtifacts(ctx context.Context, cfg config.Config, logger *slog.Logger) (artifact.Store, error) {
	if cfg.S3Bucket == "" {
		logger.Warn("no S3 bucket configured, using in-memory artifact store")
		return artifact.NewMemoryStore(), nil
	}

	return artifact.NewS3Store(ctx, artifact.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
}
