// Package main runs the background upload services: worker pool, stuck-item auditor and
// the optional filesystem watcher, under a supervisor.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/recvault/backend/config"
	"github.com/recvault/backend/internal/app"
	"github.com/recvault/backend/internal/supervisor"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	uploader, err := a.NewUploader(ctx)
	if err != nil {
		logger.Fatal("uploader", zap.Error(err))
	}

	sup := supervisor.New("recvault-worker", supervisor.Config{}, logger)
	a.Supervise(sup, uploader)

	logger.Info("worker started",
		zap.Int("workers", cfg.Upload.WorkerPoolSize),
		zap.String("backend", cfg.Upload.Backend),
		zap.Bool("watcher", cfg.Watcher.Enabled))
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor stopped", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
