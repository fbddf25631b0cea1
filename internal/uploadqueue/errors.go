package uploadqueue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateActiveItem is matched by every *DuplicateActiveItemError.
	ErrDuplicateActiveItem = errors.New("recording already has an active upload item")
	// ErrStaleClaim is returned when an outcome is reported by a worker that no longer owns the item.
	ErrStaleClaim = errors.New("stale queue claim")
	// ErrItemNotFound is returned when no queue item has the requested id.
	ErrItemNotFound = errors.New("queue item not found")
)

// DuplicateActiveItemError means the one-active-item rule is already satisfied for the recording.
// Callers treat it as success.
type DuplicateActiveItemError struct {
	RecordingID  uuid.UUID
	ActiveItemID uuid.UUID
}

func (e *DuplicateActiveItemError) Error() string {
	return fmt.Sprintf("recording %s: active upload item %s exists", e.RecordingID, e.ActiveItemID)
}

func (e *DuplicateActiveItemError) Is(target error) bool { return target == ErrDuplicateActiveItem }
