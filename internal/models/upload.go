package models

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus represents queue item lifecycle.
type UploadStatus string

const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusRetrying   UploadStatus = "retrying"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed
}

// UploadQueueItem is one unit of pending or active upload work.
type UploadQueueItem struct {
	ID            uuid.UUID    `json:"id"`
	RecordingID   uuid.UUID    `json:"recording_id"`
	Status        UploadStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	ClaimToken    uuid.UUID    `json:"-"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	RemoteURL     string       `json:"remote_url,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// QueueStats counts items per status.
type QueueStats map[UploadStatus]int
