package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents recording lifecycle.
type RecordingStatus string

const (
	RecordingStatusRecorded  RecordingStatus = "recorded"
	RecordingStatusQueued    RecordingStatus = "queued"
	RecordingStatusUploading RecordingStatus = "uploading"
	RecordingStatusUploaded  RecordingStatus = "uploaded"
	RecordingStatusFailed    RecordingStatus = "failed"
)

// Valid reports whether s is a known recording status.
func (s RecordingStatus) Valid() bool {
	switch s {
	case RecordingStatusRecorded, RecordingStatusQueued, RecordingStatusUploading,
		RecordingStatusUploaded, RecordingStatusFailed:
		return true
	}
	return false
}

// Event sources.
const (
	SourceWebhook         = "webhook"
	SourceFilesystemWatch = "filesystem-watch"
)

// Recording is one finished media segment (media server -> object storage).
type Recording struct {
	ID              uuid.UUID       `json:"id"`
	CameraID        string          `json:"camera_id"`
	RelativePath    string          `json:"relative_path"`
	AbsolutePath    string          `json:"absolute_path"`
	FileSize        *int64          `json:"file_size,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	Source          string          `json:"source"`
	Status          RecordingStatus `json:"status"`
	RemoteURL       string          `json:"remote_url,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DedupKey identifies one physical recording across duplicate notifications.
type DedupKey struct {
	CameraID     string
	RelativePath string
	// StartTime is already floored to the dedup bucket.
	StartTime time.Time
}

// RecordingMetadata is the mutable part of an upsert.
type RecordingMetadata struct {
	AbsolutePath    string
	FileSize        *int64
	DurationSeconds *float64
	Source          string
}

// RecordingFilter narrows catalog listings. Zero values match everything.
type RecordingFilter struct {
	Status   RecordingStatus
	CameraID string
	Limit    int
}
