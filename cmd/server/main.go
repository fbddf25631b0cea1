// Package main runs the recording ingest HTTP server: media-server webhooks, the recording
// catalog, health and metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/recvault/backend/config"
	"github.com/recvault/backend/internal/app"
	"github.com/recvault/backend/internal/ingest"
	"github.com/recvault/backend/internal/middleware"
	"github.com/recvault/backend/internal/recordings"
	"github.com/recvault/backend/internal/supervisor"
	"github.com/recvault/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	webhookHandler := ingest.NewWebhookHandler(a.Ingestor, logger)
	recordingHandler := recordings.NewHandler(a.Registry, a.Queue, a.Signal, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhookHandler.Register(router)
	recordingHandler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background upload services (single-process deployments)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workersDone <-chan error
	if cfg.Server.RunWorkers {
		uploader, err := a.NewUploader(ctx)
		if err != nil {
			logger.Fatal("uploader", zap.Error(err))
		}
		sup := supervisor.New("recvault-server", supervisor.Config{}, logger)
		a.Supervise(sup, uploader)
		workersDone = sup.ServeBackground(workerCtx)
		logger.Info("upload workers running in-process")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	workerCancel()
	if workersDone != nil {
		<-workersDone
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
