package recordings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recvault/backend/internal/models"
)

// allowed lists the lifecycle edges. queued -> uploaded/failed covers an upload whose
// BeginUpload step was lost (crash between claim and transition).
var allowed = map[models.RecordingStatus][]models.RecordingStatus{
	models.RecordingStatusRecorded:  {models.RecordingStatusQueued},
	models.RecordingStatusQueued:    {models.RecordingStatusUploading, models.RecordingStatusUploaded, models.RecordingStatusFailed},
	models.RecordingStatusUploading: {models.RecordingStatusUploaded, models.RecordingStatusFailed},
	models.RecordingStatusFailed:    {models.RecordingStatusQueued},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to models.RecordingStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry is the catalog of recordings and the only writer of recording state.
type Registry struct {
	repo   Repository
	now    func() time.Time
	logger *zap.Logger
}

// NewRegistry creates a registry over repo.
func NewRegistry(repo Repository, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{repo: repo, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// SetClock replaces the time source (tests).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Upsert returns the recording for key, creating it in status recorded when absent.
// For an existing recording, size and duration are filled when unknown or when the new
// value is larger (the file was still growing when the earlier event was sent).
func (r *Registry) Upsert(ctx context.Context, key models.DedupKey, meta models.RecordingMetadata) (*models.Recording, bool, error) {
	if key.CameraID == "" || key.RelativePath == "" || key.StartTime.IsZero() {
		return nil, false, ErrInvalidKey
	}
	now := r.now()
	rec := &models.Recording{
		ID:              uuid.New(),
		CameraID:        key.CameraID,
		RelativePath:    key.RelativePath,
		AbsolutePath:    meta.AbsolutePath,
		FileSize:        meta.FileSize,
		DurationSeconds: meta.DurationSeconds,
		StartTime:       key.StartTime.UTC(),
		Source:          meta.Source,
		Status:          models.RecordingStatusRecorded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	stored, isNew, err := r.repo.Upsert(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		r.logger.Info("recording registered",
			zap.String("recording_id", stored.ID.String()),
			zap.String("camera_id", stored.CameraID),
			zap.String("rel_path", stored.RelativePath),
			zap.String("source", stored.Source))
	} else {
		r.logger.Debug("recording refreshed",
			zap.String("recording_id", stored.ID.String()),
			zap.String("source", meta.Source))
	}
	return stored, isNew, nil
}

// Nearest returns the recording of key's camera and file whose start is within window of
// key.StartTime, preferring the closest. It returns nil when there is none.
func (r *Registry) Nearest(ctx context.Context, key models.DedupKey, window time.Duration) (*models.Recording, error) {
	if key.CameraID == "" || key.RelativePath == "" || key.StartTime.IsZero() {
		return nil, ErrInvalidKey
	}
	start := key.StartTime.UTC()
	rec, err := r.repo.FindNear(ctx, key.CameraID, key.RelativePath, start.Add(-window), start.Add(window), start)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Get returns a recording by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	return r.repo.GetByID(ctx, id)
}

// List returns recordings matching filter.
func (r *Registry) List(ctx context.Context, filter models.RecordingFilter) ([]models.Recording, error) {
	return r.repo.List(ctx, filter)
}

// Transition moves a recording from one status to another with compare-and-swap semantics.
// It fails with *StaleTransitionError when the recording is not currently in from.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, from, to models.RecordingStatus) (*models.Recording, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.update(ctx, StatusUpdate{ID: id, From: []models.RecordingStatus{from}, To: to})
}

// BeginUpload marks a queued recording as uploading. A recording already uploading
// (a retry of the same item) is left as is.
func (r *Registry) BeginUpload(ctx context.Context, id uuid.UUID) error {
	_, err := r.update(ctx, StatusUpdate{ID: id, From: []models.RecordingStatus{models.RecordingStatusQueued}, To: models.RecordingStatusUploading})
	var stale *StaleTransitionError
	if errors.As(err, &stale) && stale.Actual == models.RecordingStatusUploading {
		return nil
	}
	return err
}

// MarkUploaded records the remote URL and the terminal uploaded status.
func (r *Registry) MarkUploaded(ctx context.Context, id uuid.UUID, remoteURL string) (*models.Recording, error) {
	empty := ""
	rec, err := r.update(ctx, StatusUpdate{
		ID:            id,
		From:          []models.RecordingStatus{models.RecordingStatusUploading, models.RecordingStatusQueued},
		To:            models.RecordingStatusUploaded,
		RemoteURL:     &remoteURL,
		FailureReason: &empty,
	})
	var stale *StaleTransitionError
	if errors.As(err, &stale) && stale.Actual == models.RecordingStatusUploaded {
		return r.repo.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("recording uploaded", zap.String("recording_id", id.String()), zap.String("remote_url", remoteURL))
	return rec, nil
}

// MarkFailed records the terminal failed status and its reason.
func (r *Registry) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.Recording, error) {
	rec, err := r.update(ctx, StatusUpdate{
		ID:            id,
		From:          []models.RecordingStatus{models.RecordingStatusUploading, models.RecordingStatusQueued},
		To:            models.RecordingStatusFailed,
		FailureReason: &reason,
	})
	var stale *StaleTransitionError
	if errors.As(err, &stale) && stale.Actual == models.RecordingStatusFailed {
		return r.repo.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Warn("recording failed", zap.String("recording_id", id.String()), zap.String("reason", reason))
	return rec, nil
}

func (r *Registry) update(ctx context.Context, upd StatusUpdate) (*models.Recording, error) {
	upd.At = r.now()
	rec, ok, err := r.repo.UpdateStatus(ctx, upd)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}
	current, err := r.repo.GetByID(ctx, upd.ID)
	if err != nil {
		return nil, err
	}
	return nil, &StaleTransitionError{ID: upd.ID, Expected: upd.From, Actual: current.Status}
}
