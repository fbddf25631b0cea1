// Package worker drains the upload queue: a pool of uploaders and the stuck-item auditor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/recvault/backend/internal/metrics"
	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/recordings"
	"github.com/recvault/backend/internal/uploadqueue"
	"github.com/recvault/backend/pkg/queue"
	"github.com/recvault/backend/pkg/storage"
)

// Queue is the part of the upload queue a worker drives.
type Queue interface {
	DequeueNext(ctx context.Context) (*models.UploadQueueItem, error)
	ReportSuccess(ctx context.Context, itemID uuid.UUID, remoteURL string) error
	ReportFailure(ctx context.Context, itemID, claim uuid.UUID, transient bool, cause string) (*models.UploadQueueItem, error)
}

// RecordingSource resolves the recording behind a queue item.
type RecordingSource interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Recording, error)
}

// Config sizes the pool.
type Config struct {
	Workers int
	// PollInterval bounds how long an idle worker waits for a wake-up before polling again.
	PollInterval time.Duration
	// UploadTimeout bounds one upload; exceeding it is a transient failure.
	UploadTimeout time.Duration
	// ReportTimeout bounds reporting an outcome after shutdown has begun.
	ReportTimeout time.Duration
}

// Pool runs Config.Workers upload loops. Each loop holds at most one item and reports its
// outcome before dequeuing the next.
type Pool struct {
	queue    Queue
	recs     RecordingSource
	uploader storage.Uploader
	signal   queue.Signal
	cfg      Config
	logger   *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(q Queue, recs RecordingSource, uploader storage.Uploader, signal queue.Signal, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 10 * time.Minute
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if signal == nil {
		signal = queue.NewLocalSignal()
	}
	return &Pool{queue: q, recs: recs, uploader: uploader, signal: signal, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is done and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("upload workers started", zap.Int("workers", p.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("upload workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		item, err := p.queue.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if item == nil {
			p.idle(ctx, log)
			continue
		}
		p.process(ctx, log, item)
	}
}

func (p *Pool) idle(ctx context.Context, log *zap.Logger) {
	if _, err := p.signal.Wait(ctx, p.cfg.PollInterval); err != nil && ctx.Err() == nil {
		log.Warn("wake-up wait failed", zap.Error(err))
		p.sleep(ctx)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process uploads one claimed item and reports the outcome. If ctx ends mid-upload the item is
// left processing for the auditor.
func (p *Pool) process(ctx context.Context, log *zap.Logger, item *models.UploadQueueItem) {
	log = log.With(zap.String("item_id", item.ID.String()), zap.String("recording_id", item.RecordingID.String()))
	start := time.Now()

	url, err := p.upload(ctx, item)
	elapsed := time.Since(start)
	if err != nil && ctx.Err() != nil {
		metrics.ObserveUpload(metrics.UploadAbandoned, elapsed)
		log.Info("upload abandoned on shutdown", zap.Error(err))
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReportTimeout)
	defer cancel()

	if err == nil {
		metrics.ObserveUpload(metrics.UploadSuccess, elapsed)
		if err := p.queue.ReportSuccess(rctx, item.ID, url); err != nil {
			log.Error("report success failed", zap.Error(err))
		}
		return
	}

	transient := storage.IsTransient(err)
	if transient {
		metrics.ObserveUpload(metrics.UploadTransient, elapsed)
	} else {
		metrics.ObserveUpload(metrics.UploadPermanent, elapsed)
	}
	if _, rerr := p.queue.ReportFailure(rctx, item.ID, item.ClaimToken, transient, err.Error()); rerr != nil {
		if errors.Is(rerr, uploadqueue.ErrStaleClaim) {
			log.Warn("failure not recorded, item was reclaimed", zap.Error(err))
			return
		}
		log.Error("report failure failed", zap.Error(rerr))
	}
}

func (p *Pool) upload(ctx context.Context, item *models.UploadQueueItem) (string, error) {
	rec, err := p.recs.Get(ctx, item.RecordingID)
	if err != nil {
		if errors.Is(err, recordings.ErrNotFound) {
			return "", storage.Permanent(err)
		}
		return "", storage.Transient(fmt.Errorf("load recording: %w", err))
	}
	if _, err := os.Stat(rec.AbsolutePath); errors.Is(err, fs.ErrNotExist) {
		return "", storage.Permanent(fmt.Errorf("local file missing: %s", rec.AbsolutePath))
	}

	uctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()
	return p.uploader.Upload(uctx, rec.AbsolutePath, storage.RecordingKey(rec.RelativePath))
}
