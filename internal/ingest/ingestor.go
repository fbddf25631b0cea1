// Package ingest turns "recording finished" notifications from the media server webhook
// and the filesystem watcher into registered, queued recordings.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recvault/backend/internal/metrics"
	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/pathnorm"
	"github.com/recvault/backend/internal/recordings"
	"github.com/recvault/backend/internal/uploadqueue"
	"github.com/recvault/backend/pkg/queue"
)

// Registry is the part of the recording registry the ingestor uses.
type Registry interface {
	Upsert(ctx context.Context, key models.DedupKey, meta models.RecordingMetadata) (*models.Recording, bool, error)
	Nearest(ctx context.Context, key models.DedupKey, window time.Duration) (*models.Recording, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.RecordingStatus) (*models.Recording, error)
}

// Enqueuer creates upload work.
type Enqueuer interface {
	Enqueue(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error)
}

// Options tunes deduplication.
type Options struct {
	// DedupBucket is the start-time granularity of the dedup key. Values under a second mean one second.
	DedupBucket time.Duration
}

// Result is the outcome of one ingested event.
type Result struct {
	Recording *models.Recording
	IsNew     bool
	// Enqueued is true when this event created the recording's upload item.
	Enqueued bool
}

// Ingestor normalizes, deduplicates and registers recording events.
type Ingestor struct {
	normalizer *pathnorm.Normalizer
	registry   Registry
	queue      Enqueuer
	notifier   queue.Notifier
	opts       Options
	logger     *zap.Logger
}

// NewIngestor creates an ingestor. notifier may be nil.
func NewIngestor(normalizer *pathnorm.Normalizer, registry Registry, q Enqueuer, notifier queue.Notifier, opts Options, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DedupBucket < time.Second {
		opts.DedupBucket = time.Second
	}
	return &Ingestor{normalizer: normalizer, registry: registry, queue: q, notifier: notifier, opts: opts, logger: logger}
}

// IngestWebhook handles a media-server push notification.
func (i *Ingestor) IngestWebhook(ctx context.Context, ev WebhookEvent) (*Result, error) {
	if err := validateEvent(models.SourceWebhook, ev); err != nil {
		return nil, i.reject(models.SourceWebhook, err)
	}
	paths, err := i.normalizer.Normalize(webhookPath(ev.Folder, ev.FilePath))
	if err != nil {
		return nil, i.reject(models.SourceWebhook, err)
	}

	size := ev.FileSizeBytes
	var mtime time.Time
	if info, err := os.Stat(paths.AbsolutePath); err == nil && info.Mode().IsRegular() {
		mtime = info.ModTime()
		if size == nil && info.Size() > 0 {
			s := info.Size()
			size = &s
		}
	}

	var start int64
	switch {
	case ev.StartTimeEpochSeconds != nil:
		start = *ev.StartTimeEpochSeconds
	case !mtime.IsZero():
		start = mtime.Unix()
	default:
		return nil, i.reject(models.SourceWebhook, &MalformedEventError{
			Source:   models.SourceWebhook,
			Problems: []string{"startTimeEpochSeconds: required when the file cannot be read"},
		})
	}

	return i.Ingest(ctx, NormalizedEvent{
		CameraID:        ev.CameraStreamID,
		RelativePath:    paths.RelativePath,
		AbsolutePath:    paths.AbsolutePath,
		FileSize:        size,
		DurationSeconds: ev.DurationSeconds,
		StartTime:       bucketStart(start, i.opts.DedupBucket),
		Source:          models.SourceWebhook,
	})
}

// IngestFile handles a segment found by the filesystem watcher. The modification time
// stands in for the segment start time.
func (i *Ingestor) IngestFile(ctx context.Context, ev FileEvent) (*Result, error) {
	if err := validateEvent(models.SourceFilesystemWatch, ev); err != nil {
		return nil, i.reject(models.SourceFilesystemWatch, err)
	}
	paths, err := i.normalizer.Normalize(ev.AbsolutePath)
	if err != nil {
		return nil, i.reject(models.SourceFilesystemWatch, err)
	}
	size := ev.FileSizeBytes
	return i.Ingest(ctx, NormalizedEvent{
		CameraID:     ev.CameraStreamID,
		RelativePath: paths.RelativePath,
		AbsolutePath: paths.AbsolutePath,
		FileSize:     &size,
		StartTime:    bucketStart(ev.MTimeEpochSeconds, i.opts.DedupBucket),
		Source:       models.SourceFilesystemWatch,
	})
}

// Ingest registers a normalized event and queues its upload when this event created the
// recording. An event whose start lies within one dedup bucket of an existing recording of
// the same file merges into it, so reports straddling a bucket boundary stay one recording.
// A recording left in recorded or queued without an active upload item by an earlier
// interrupted ingest is queued again.
func (i *Ingestor) Ingest(ctx context.Context, ev NormalizedEvent) (*Result, error) {
	key := models.DedupKey{CameraID: ev.CameraID, RelativePath: ev.RelativePath, StartTime: ev.StartTime}
	near, err := i.registry.Nearest(ctx, key, i.opts.DedupBucket)
	if err != nil {
		metrics.IncIngest(ev.Source, metrics.ResultError)
		return nil, fmt.Errorf("find neighbouring recording: %w", err)
	}
	if near != nil {
		key.StartTime = near.StartTime
	}
	rec, isNew, err := i.registry.Upsert(ctx, key, models.RecordingMetadata{
		AbsolutePath:    ev.AbsolutePath,
		FileSize:        ev.FileSize,
		DurationSeconds: ev.DurationSeconds,
		Source:          ev.Source,
	})
	if err != nil {
		metrics.IncIngest(ev.Source, metrics.ResultError)
		return nil, fmt.Errorf("upsert recording: %w", err)
	}

	res := &Result{Recording: rec, IsNew: isNew}
	res.Recording, res.Enqueued, err = i.ensureQueued(ctx, rec)
	if err != nil {
		metrics.IncIngest(ev.Source, metrics.ResultError)
		return res, err
	}

	if isNew {
		metrics.IncIngest(ev.Source, metrics.ResultNew)
	} else {
		metrics.IncIngest(ev.Source, metrics.ResultDuplicate)
	}
	i.logger.Debug("recording event ingested",
		zap.String("recording_id", rec.ID.String()),
		zap.String("camera_id", rec.CameraID),
		zap.String("rel_path", rec.RelativePath),
		zap.String("source", ev.Source),
		zap.Bool("is_new", isNew),
		zap.Bool("enqueued", res.Enqueued))
	return res, nil
}

func (i *Ingestor) ensureQueued(ctx context.Context, rec *models.Recording) (*models.Recording, bool, error) {
	switch rec.Status {
	case models.RecordingStatusRecorded:
		updated, err := i.registry.Transition(ctx, rec.ID, models.RecordingStatusRecorded, models.RecordingStatusQueued)
		var stale *recordings.StaleTransitionError
		switch {
		case err == nil:
			rec = updated
		case errors.As(err, &stale):
			// Another ingest path won the transition and owns the enqueue.
			return rec, false, nil
		default:
			return rec, false, fmt.Errorf("queue recording: %w", err)
		}
	case models.RecordingStatusQueued:
	default:
		return rec, false, nil
	}

	item, err := i.queue.Enqueue(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, uploadqueue.ErrDuplicateActiveItem) {
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("enqueue upload: %w", err)
	}
	if i.notifier != nil {
		if err := i.notifier.Notify(ctx); err != nil {
			i.logger.Warn("upload wake-up failed", zap.String("item_id", item.ID.String()), zap.Error(err))
		}
	}
	return rec, true, nil
}

func (i *Ingestor) reject(source string, err error) error {
	result := metrics.ResultMalformed
	if errors.Is(err, pathnorm.ErrInvalidPath) {
		result = metrics.ResultInvalid
	}
	metrics.IncIngest(source, result)
	i.logger.Warn("recording event rejected", zap.String("source", source), zap.Error(err))
	return err
}

// IsClientError reports whether err was caused by the event itself rather than by the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, pathnorm.ErrInvalidPath)
}
