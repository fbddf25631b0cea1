package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// WebhookEvent is the media server's "recording finished" notification.
type WebhookEvent struct {
	CameraStreamID        string   `json:"cameraStreamId" validate:"required"`
	FilePath              string   `json:"filePath" validate:"required"`
	FileSizeBytes         *int64   `json:"fileSizeBytes" validate:"omitempty,gt=0"`
	DurationSeconds       *float64 `json:"durationSeconds" validate:"omitempty,gte=0"`
	StartTimeEpochSeconds *int64   `json:"startTimeEpochSeconds" validate:"omitempty,gt=0"`
	// Folder is the directory the media server wrote into; a relative FilePath is resolved under it.
	Folder string `json:"folder"`
}

// FileEvent is a finished segment discovered by the filesystem watcher.
type FileEvent struct {
	CameraStreamID    string `json:"cameraStreamId" validate:"required"`
	AbsolutePath      string `json:"absolutePath" validate:"required"`
	FileSizeBytes     int64  `json:"fileSizeBytes" validate:"gt=0"`
	MTimeEpochSeconds int64  `json:"mtimeEpochSeconds" validate:"gt=0"`
}

// NormalizedEvent is the canonical form both sources reduce to.
type NormalizedEvent struct {
	CameraID        string
	RelativePath    string
	AbsolutePath    string
	FileSize        *int64
	DurationSeconds *float64
	StartTime       time.Time
	Source          string
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateEvent(source string, ev any) error {
	err := validate.Struct(ev)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &MalformedEventError{Source: source, Problems: []string{err.Error()}}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: must be %s %s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		problems = append(problems, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return &MalformedEventError{Source: source, Problems: problems}
}

// webhookPath resolves a relative filePath under folder. The result may contain the
// folder twice when filePath already includes it; normalization collapses that.
func webhookPath(folder, filePath string) string {
	filePath = strings.TrimSpace(filePath)
	folder = strings.TrimSpace(folder)
	if folder == "" || isAbsolute(filePath) {
		return filePath
	}
	return strings.TrimRight(folder, `/\`) + "/" + strings.TrimLeft(filePath, `/\`)
}

func isAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	return len(p) >= 2 && p[1] == ':'
}

// bucketStart floors epoch seconds to the dedup bucket.
func bucketStart(epoch int64, bucket time.Duration) time.Time {
	width := int64(bucket / time.Second)
	if width <= 1 {
		return time.Unix(epoch, 0).UTC()
	}
	rem := epoch % width
	if rem < 0 {
		rem += width
	}
	return time.Unix(epoch-rem, 0).UTC()
}
