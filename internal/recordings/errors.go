package recordings

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/recvault/backend/internal/models"
)

var (
	// ErrNotFound is returned when no recording has the requested id.
	ErrNotFound = errors.New("recording not found")
	// ErrStaleTransition is matched by every *StaleTransitionError.
	ErrStaleTransition = errors.New("stale recording transition")
	// ErrInvalidTransition is returned for a from/to pair the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid recording transition")
	// ErrInvalidKey is returned when a dedup key has an empty component.
	ErrInvalidKey = errors.New("invalid dedup key")
)

// StaleTransitionError is a lost compare-and-swap: the recording was not in the expected status.
// Callers re-read and retry the read-modify-write.
type StaleTransitionError struct {
	ID       uuid.UUID
	Expected []models.RecordingStatus
	Actual   models.RecordingStatus
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("recording %s: expected status %v, found %s", e.ID, e.Expected, e.Actual)
}

func (e *StaleTransitionError) Is(target error) bool { return target == ErrStaleTransition }
