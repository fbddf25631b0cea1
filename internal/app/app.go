// Package app wires configuration into the stores, queue, ingestor and background services
// shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/recvault/backend/config"
	"github.com/recvault/backend/internal/ingest"
	"github.com/recvault/backend/internal/pathnorm"
	"github.com/recvault/backend/internal/recordings"
	"github.com/recvault/backend/internal/supervisor"
	"github.com/recvault/backend/internal/uploadqueue"
	"github.com/recvault/backend/internal/worker"
	"github.com/recvault/backend/pkg/database"
	"github.com/recvault/backend/pkg/queue"
	"github.com/recvault/backend/pkg/redis"
	"github.com/recvault/backend/pkg/storage"
)

// App holds the components every binary needs.
type App struct {
	Config   *config.Config
	Registry *recordings.Registry
	Queue    *uploadqueue.Queue
	Signal   queue.Signal
	Ingestor *ingest.Ingestor

	logger  *zap.Logger
	closers []func()
}

// New opens the configured store, runs migrations and builds the core components.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}

	var (
		recRepo   recordings.Repository
		queueRepo uploadqueue.Repository
	)
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.Database.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := database.MigrateSQLite(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		recRepo = recordings.NewSQLiteRepository(db)
		queueRepo = uploadqueue.NewSQLiteRepository(db)
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 0, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		recRepo = recordings.NewPostgresRepository(pool)
		queueRepo = uploadqueue.NewPostgresRepository(pool)
	}

	redisOpts := redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	if redisOpts.Enabled() {
		rdb, err := redis.NewClient(ctx, redisOpts, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Signal = queue.NewRedisSignal(rdb.Client, logger)
	} else {
		logger.Info("redis not configured, workers wake up in-process or by polling")
		a.Signal = queue.NewLocalSignal()
	}

	a.Registry = recordings.NewRegistry(recRepo, logger)
	a.Queue = uploadqueue.New(queueRepo, a.Registry, uploadqueue.Config{
		MaxRetries:  cfg.Upload.MaxRetries,
		BaseBackoff: cfg.Upload.BaseBackoff,
		MaxBackoff:  cfg.Upload.MaxBackoff,
	}, logger)
	a.Ingestor = ingest.NewIngestor(
		pathnorm.New(cfg.Storage.Root, cfg.Storage.LegacyPrefixes, pathnorm.WithMinRun(cfg.Storage.CollapseMinRun)),
		a.Registry, a.Queue, a.Signal,
		ingest.Options{DedupBucket: cfg.Ingest.DedupBucket},
		logger,
	)
	return a, nil
}

// Close releases store and Redis connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// NewUploader builds the configured object-storage backend behind a circuit breaker.
func (a *App) NewUploader(ctx context.Context) (storage.Uploader, error) {
	cfg := a.Config
	var (
		backend storage.Uploader
		err     error
	)
	switch cfg.Upload.Backend {
	case config.BackendMinIO:
		backend, err = storage.NewMinIO(ctx, storage.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
		}, a.logger)
	default:
		backend, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Bucket:          cfg.AWS.RecordingsBucket,
			Endpoint:        cfg.AWS.Endpoint,
			UsePathStyle:    cfg.AWS.UsePathStyle,
			PartSizeMB:      int64(cfg.AWS.PartSizeMB),
		}, a.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("%s uploader: %w", cfg.Upload.Backend, err)
	}
	threshold := cfg.Upload.BreakerFailures
	if threshold < 0 {
		threshold = 0
	}
	return storage.NewBreakerUploader(backend, storage.BreakerConfig{
		Name:             cfg.Upload.Backend,
		FailureThreshold: uint32(threshold),
		Timeout:          cfg.Upload.BreakerTimeout,
	}, a.logger), nil
}

// Supervise adds the upload pool, the stuck-item auditor and, when enabled, the filesystem
// watcher to sup.
func (a *App) Supervise(sup *suture.Supervisor, uploader storage.Uploader) {
	cfg := a.Config
	pool := worker.NewPool(a.Queue, a.Registry, uploader, a.Signal, worker.Config{
		Workers:       cfg.Upload.WorkerPoolSize,
		PollInterval:  cfg.Upload.PollInterval,
		UploadTimeout: cfg.Upload.UploadTimeout,
	}, a.logger.Named("worker"))
	sup.Add(supervisor.NewService("upload-pool", pool))

	auditor := worker.NewAuditor(a.Queue, cfg.Upload.AuditInterval, cfg.Upload.LivenessDeadline, a.logger.Named("auditor"))
	sup.Add(supervisor.NewService("stuck-item-auditor", auditor))

	if cfg.Watcher.Enabled {
		watcher := ingest.NewWatcher(ingest.WatcherConfig{
			Root:            cfg.Storage.Root,
			Extensions:      cfg.Watcher.Extensions,
			StabilityWindow: cfg.Watcher.StabilityWindow,
			CameraSegment:   cfg.Watcher.CameraSegment,
			ScanOnStart:     cfg.Watcher.ScanOnStart,
		}, a.Ingestor, a.logger.Named("watcher"))
		sup.Add(supervisor.NewService("fs-watcher", watcher))
	}
}
