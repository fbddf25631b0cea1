// Package uploadqueue is the durable upload work queue: one active item per recording,
// claim-based dequeue, retry with exponential backoff, and stuck-item reclamation.
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/recordings"
)

// RecordingLifecycle is the part of the recording registry the queue drives.
type RecordingLifecycle interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.RecordingStatus) (*models.Recording, error)
	BeginUpload(ctx context.Context, id uuid.UUID) error
	MarkUploaded(ctx context.Context, id uuid.UUID, remoteURL string) (*models.Recording, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.Recording, error)
}

// Config holds retry policy.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Queue owns every queue item transition.
type Queue struct {
	repo     Repository
	registry RecordingLifecycle
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a queue.
func New(repo Repository, registry RecordingLifecycle, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SetClock replaces the time source (tests).
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Backoff returns the retry delay after retryCount attempts: base * 2^retryCount, capped at max.
func (q *Queue) Backoff(retryCount int) time.Duration {
	return Backoff(q.cfg.BaseBackoff, q.cfg.MaxBackoff, retryCount)
}

// Backoff computes min(base * 2^retryCount, limit) without overflowing. A non-positive limit disables the cap.
func Backoff(base, limit time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if limit > 0 && d >= limit/2 {
			return limit
		}
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Enqueue creates a pending item for a recording. It fails with *DuplicateActiveItemError
// when the recording already has a pending, processing or retrying item.
func (q *Queue) Enqueue(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error) {
	now := q.now()
	item := &models.UploadQueueItem{
		ID:            uuid.New(),
		RecordingID:   recordingID,
		Status:        models.UploadStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := q.repo.Insert(ctx, item)
	if err != nil {
		return nil, err
	}
	if !inserted {
		dup := &DuplicateActiveItemError{RecordingID: recordingID}
		if active, err := q.repo.ActiveFor(ctx, recordingID); err == nil {
			dup.ActiveItemID = active.ID
		}
		return nil, dup
	}
	q.logger.Info("upload enqueued", zap.String("item_id", item.ID.String()), zap.String("recording_id", recordingID.String()))
	return item, nil
}

// DequeueNext claims the oldest eligible item and moves its recording to uploading.
// It returns nil when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context) (*models.UploadQueueItem, error) {
	item, err := q.repo.ClaimNext(ctx, q.now(), uuid.New())
	if err != nil || item == nil {
		return nil, err
	}
	if err := q.registry.BeginUpload(ctx, item.RecordingID); err != nil {
		if !errors.Is(err, recordings.ErrStaleTransition) {
			return nil, q.release(ctx, item, fmt.Errorf("begin upload: %w", err))
		}
		q.logger.Warn("recording not in queued state at dequeue",
			zap.String("item_id", item.ID.String()),
			zap.String("recording_id", item.RecordingID.String()),
			zap.Error(err))
	}
	q.logger.Debug("upload claimed",
		zap.String("item_id", item.ID.String()),
		zap.String("recording_id", item.RecordingID.String()),
		zap.Int("retry_count", item.RetryCount))
	return item, nil
}

// release hands item back to the queue after a failed dequeue so it is retried at once
// without waiting for the auditor or charging an attempt.
func (q *Queue) release(ctx context.Context, item *models.UploadQueueItem, cause error) error {
	ok, err := q.repo.Release(context.WithoutCancel(ctx), item.ID, item.ClaimToken, q.now())
	if err != nil {
		return errors.Join(cause, err)
	}
	if ok {
		q.logger.Warn("upload claim released",
			zap.String("item_id", item.ID.String()),
			zap.String("recording_id", item.RecordingID.String()),
			zap.Error(cause))
	}
	return cause
}

// ReportSuccess completes the item and marks its recording uploaded. Reporting an
// already completed item again only re-applies the registry update.
func (q *Queue) ReportSuccess(ctx context.Context, itemID uuid.UUID, remoteURL string) error {
	item, ok, err := q.repo.Complete(ctx, itemID, remoteURL, q.now())
	if err != nil {
		return err
	}
	if !ok {
		current, err := q.repo.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if current.Status != models.UploadStatusCompleted {
			return fmt.Errorf("%w: item %s is %s", ErrStaleClaim, itemID, current.Status)
		}
		item = current
	}
	if _, err := q.registry.MarkUploaded(ctx, item.RecordingID, remoteURL); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	q.logger.Info("upload completed",
		zap.String("item_id", item.ID.String()),
		zap.String("recording_id", item.RecordingID.String()),
		zap.Int("retry_count", item.RetryCount))
	return nil
}

// ReportFailure charges one attempt to the item claimed under claim. A transient failure within
// the retry ceiling schedules a retry after Backoff(retryCount); anything else fails the item and
// its recording.
func (q *Queue) ReportFailure(ctx context.Context, itemID, claim uuid.UUID, transient bool, cause string) (*models.UploadQueueItem, error) {
	current, err := q.repo.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.UploadStatusProcessing || current.ClaimToken != claim {
		return nil, fmt.Errorf("%w: item %s is %s", ErrStaleClaim, itemID, current.Status)
	}

	now := q.now()
	retryCount := current.RetryCount + 1
	upd := FailureUpdate{
		ID:             itemID,
		Claim:          claim,
		PrevRetryCount: current.RetryCount,
		Status:         models.UploadStatusFailed,
		NextAttemptAt:  current.NextAttemptAt,
		LastError:      cause,
		At:             now,
	}
	if transient && retryCount <= q.cfg.MaxRetries {
		upd.Status = models.UploadStatusRetrying
		upd.NextAttemptAt = now.Add(q.Backoff(retryCount))
	}

	item, ok, err := q.repo.RecordFailure(ctx, upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: item %s changed concurrently", ErrStaleClaim, itemID)
	}

	fields := []zap.Field{
		zap.String("item_id", item.ID.String()),
		zap.String("recording_id", item.RecordingID.String()),
		zap.Int("retry_count", item.RetryCount),
		zap.Bool("transient", transient),
		zap.String("error", cause),
	}
	if item.Status == models.UploadStatusRetrying {
		q.logger.Warn("upload failed, retry scheduled", append(fields, zap.Time("next_attempt_at", item.NextAttemptAt))...)
		return item, nil
	}
	q.logger.Error("upload failed permanently", fields...)
	if _, err := q.registry.MarkFailed(ctx, item.RecordingID, cause); err != nil {
		return item, fmt.Errorf("mark failed: %w", err)
	}
	return item, nil
}

// ReclaimStuck returns every item processing for longer than deadline to retrying, eligible
// immediately, charging one attempt as a failure would. Items that exhaust the ceiling this way
// are failed. It returns the number of items reclaimed either way.
func (q *Queue) ReclaimStuck(ctx context.Context, deadline time.Duration) (int, error) {
	now := q.now()
	requeued, failed, err := q.repo.Reclaim(ctx, now.Add(-deadline), now, q.cfg.MaxRetries)
	if err != nil {
		return 0, err
	}
	for _, item := range requeued {
		q.logger.Warn("stuck upload reclaimed",
			zap.String("item_id", item.ID.String()),
			zap.String("recording_id", item.RecordingID.String()),
			zap.Int("retry_count", item.RetryCount))
	}
	var errs []error
	for _, item := range failed {
		q.logger.Error("stuck upload exhausted retries",
			zap.String("item_id", item.ID.String()),
			zap.String("recording_id", item.RecordingID.String()),
			zap.Int("retry_count", item.RetryCount))
		if _, err := q.registry.MarkFailed(ctx, item.RecordingID, reclaimReason); err != nil {
			errs = append(errs, fmt.Errorf("mark failed %s: %w", item.RecordingID, err))
		}
	}
	return len(requeued) + len(failed), errors.Join(errs...)
}

// reconcileBatch bounds one Reconcile pass.
const reconcileBatch = 500

// Reconcile repairs recordings left queued or uploading without an active item, untouched for
// longer than settle. This happens when the registry update after an item's final transition
// failed, or when an enqueue was interrupted. The newest item decides the outcome: completed
// marks the recording uploaded, failed marks an uploading recording failed, and a queued
// recording with a failed or missing item gets a fresh item. It returns the number repaired.
func (q *Queue) Reconcile(ctx context.Context, settle time.Duration) (int, error) {
	ids, err := q.repo.Stranded(ctx, q.now().Add(-settle), reconcileBatch)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		action, err := q.reconcileOne(ctx, id)
		switch {
		case errors.Is(err, recordings.ErrStaleTransition):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
			continue
		case action == "":
			continue
		}
		n++
		q.logger.Warn("stranded recording repaired", zap.String("recording_id", id.String()), zap.String("action", action))
	}
	return n, errors.Join(errs...)
}

func (q *Queue) reconcileOne(ctx context.Context, recordingID uuid.UUID) (string, error) {
	rec, err := q.registry.Get(ctx, recordingID)
	if err != nil {
		return "", err
	}
	history, err := q.repo.ListByRecording(ctx, recordingID)
	if err != nil {
		return "", err
	}
	var last *models.UploadQueueItem
	if len(history) > 0 {
		last = &history[len(history)-1]
	}

	switch {
	case last != nil && last.Status == models.UploadStatusCompleted:
		_, err = q.registry.MarkUploaded(ctx, recordingID, last.RemoteURL)
		return "mark_uploaded", err
	case last != nil && last.Status == models.UploadStatusFailed && rec.Status == models.RecordingStatusUploading:
		reason := last.LastError
		if reason == "" {
			reason = "upload failed"
		}
		_, err = q.registry.MarkFailed(ctx, recordingID, reason)
		return "mark_failed", err
	default:
		_, err = q.Enqueue(ctx, recordingID)
		if errors.Is(err, ErrDuplicateActiveItem) {
			return "", nil
		}
		return "enqueue", err
	}
}

// Requeue gives a failed recording a fresh item with a zero retry count. Earlier items stay as
// history. A recording that is already queued gets its active item back, created if it was lost.
func (q *Queue) Requeue(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error) {
	_, err := q.registry.Transition(ctx, recordingID, models.RecordingStatusFailed, models.RecordingStatusQueued)
	var stale *recordings.StaleTransitionError
	if err != nil && !(errors.As(err, &stale) && stale.Actual == models.RecordingStatusQueued) {
		return nil, err
	}
	item, err := q.Enqueue(ctx, recordingID)
	if errors.Is(err, ErrDuplicateActiveItem) {
		return q.repo.ActiveFor(ctx, recordingID)
	}
	if err != nil {
		return nil, err
	}
	q.logger.Info("recording requeued", zap.String("recording_id", recordingID.String()), zap.String("item_id", item.ID.String()))
	return item, nil
}

// Get returns a queue item.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.UploadQueueItem, error) {
	return q.repo.Get(ctx, id)
}

// History returns all items created for a recording, oldest first.
func (q *Queue) History(ctx context.Context, recordingID uuid.UUID) ([]models.UploadQueueItem, error) {
	return q.repo.ListByRecording(ctx, recordingID)
}

// Stats counts items per status.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	return q.repo.Stats(ctx)
}
