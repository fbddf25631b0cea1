package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
)

// FolderRecordings is the object prefix for recording segments.
const FolderRecordings = "recordings"

var (
	// ErrTransient matches upload failures that may succeed on retry.
	ErrTransient = errors.New("transient upload failure")
	// ErrPermanent matches upload failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent upload failure")
)

// Kind classifies an upload failure.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// UploadError is a classified upload failure.
type UploadError struct {
	Kind Kind
	Err  error
}

func (e *UploadError) Error() string { return fmt.Sprintf("%s upload error: %v", e.Kind, e.Err) }

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	}
	return false
}

// Transient wraps err as retryable.
func Transient(err error) error { return &UploadError{Kind: KindTransient, Err: err} }

// Permanent wraps err as not retryable.
func Permanent(err error) error { return &UploadError{Kind: KindPermanent, Err: err} }

// IsTransient reports whether err should be retried. Unclassified errors count as
// transient; the queue's retry ceiling bounds them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanent)
}

// Uploader copies one local file to object storage.
type Uploader interface {
	// Upload stores the file at localPath under key and returns its remote URL.
	// Failures are *UploadError values.
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// RecordingKey returns the object key for a canonical relative path: recordings/{rel_path}.
func RecordingKey(relPath string) string {
	return path.Join(FolderRecordings, strings.TrimPrefix(path.Clean("/"+relPath), "/"))
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".fmp4": "video/mp4",
	".ts":   "video/mp2t",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

// ContentTypeForFilename returns the MIME type for a recording filename extension.
func ContentTypeForFilename(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// openLocal opens the file to upload. A missing or unreadable file is permanent.
func openLocal(localPath string) (*os.File, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, 0, Permanent(fmt.Errorf("open %s: %w", localPath, err))
		}
		return nil, 0, Transient(fmt.Errorf("open %s: %w", localPath, err))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, Transient(fmt.Errorf("stat %s: %w", localPath, err))
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, Permanent(fmt.Errorf("%s is a directory", localPath))
	}
	return f, info.Size(), nil
}

// classifyCommon handles failures every backend shares. It returns nil when the caller
// must decide from backend-specific details.
func classifyCommon(err error) error {
	var ue *UploadError
	switch {
	case errors.As(err, &ue):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient(err)
	case errors.Is(err, fs.ErrNotExist):
		return Permanent(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	return nil
}
