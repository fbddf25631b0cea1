package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is matched by every *MalformedEventError.
var ErrMalformedEvent = errors.New("malformed recording event")

// MalformedEventError rejects an event before anything is stored.
type MalformedEventError struct {
	Source   string
	Problems []string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.Source, strings.Join(e.Problems, "; "))
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }
