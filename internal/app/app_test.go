package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recvault/backend/config"
	"github.com/recvault/backend/internal/ingest"
	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/supervisor"
)

type memUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *memUploader) Upload(_ context.Context, localPath, key string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return "mem://bucket/" + key, nil
}

func (u *memUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.keys...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "recordings")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(dir, "recvault.db")},
		Storage:  config.StorageConfig{Root: root, LegacyPrefixes: []string{"/opt/mediamtx/recordings"}, CollapseMinRun: 2},
		Upload: config.UploadConfig{
			Backend:          config.BackendS3,
			MaxRetries:       3,
			BaseBackoff:      10 * time.Millisecond,
			MaxBackoff:       100 * time.Millisecond,
			LivenessDeadline: time.Minute,
			WorkerPoolSize:   2,
			AuditInterval:    50 * time.Millisecond,
			PollInterval:     20 * time.Millisecond,
			UploadTimeout:    time.Second,
		},
		Ingest: config.IngestConfig{DedupBucket: 2 * time.Second},
		Watcher: config.WatcherConfig{
			Enabled:         true,
			Extensions:      []string{".mp4"},
			StabilityWindow: 30 * time.Millisecond,
			CameraSegment:   1,
			ScanOnStart:     true,
		},
	}
}

// Both sources report the same segment; it is uploaded exactly once.
func TestApp_WebhookAndWatcherUploadOnce(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	abs := filepath.Join(cfg.Storage.Root, "live", "cam1", "seg1.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("segment"), 0o644))
	mtime := time.Unix(1001, 0)
	require.NoError(t, os.Chtimes(abs, mtime, mtime))

	start := int64(1000)
	res, err := a.Ingestor.IngestWebhook(ctx, ingest.WebhookEvent{
		CameraStreamID:        "cam1",
		FilePath:              "/opt/mediamtx/recordings/live/cam1/seg1.mp4",
		StartTimeEpochSeconds: &start,
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)

	uploader := &memUploader{}
	sup := supervisor.New("test", supervisor.Config{ShutdownTimeout: 2 * time.Second}, nil)
	a.Supervise(sup, uploader)
	runCtx, cancel := context.WithCancel(ctx)
	done := sup.ServeBackground(runCtx)

	require.Eventually(t, func() bool {
		rec, err := a.Registry.Get(ctx, res.Recording.ID)
		return err == nil && rec.Status == models.RecordingStatusUploaded
	}, 5*time.Second, 10*time.Millisecond)
	// Let the watcher's scan report the same file.
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"recordings/live/cam1/seg1.mp4"}, uploader.uploaded())
	list, err := a.Registry.List(ctx, models.RecordingFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	history, err := a.Queue.History(ctx, res.Recording.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.UploadStatusCompleted, history[0].Status)
}
