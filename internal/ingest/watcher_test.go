package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink chan FileEvent

func (s chanSink) IngestFile(_ context.Context, ev FileEvent) (*Result, error) {
	s <- ev
	return &Result{}, nil
}

func startWatcher(t *testing.T, cfg WatcherConfig) chanSink {
	t.Helper()
	sink := make(chanSink, 32)
	w := NewWatcher(cfg, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return sink
}

func writeMedia(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func nextEvent(t *testing.T, sink chanSink) FileEvent {
	t.Helper()
	select {
	case ev := <-sink:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no file event")
		return FileEvent{}
	}
}

func TestWatcher_ReportsStableFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "live", "cam1"), 0o755))
	sink := startWatcher(t, WatcherConfig{
		Root:            root,
		Extensions:      []string{".mp4"},
		StabilityWindow: 50 * time.Millisecond,
		CameraSegment:   1,
		ScanOnStart:     true,
	})

	target := filepath.Join(root, "live", "cam1", "seg1.mp4")
	writeMedia(t, target, 128)

	ev := nextEvent(t, sink)
	assert.Equal(t, "cam1", ev.CameraStreamID)
	assert.Equal(t, target, ev.AbsolutePath)
	assert.Equal(t, int64(128), ev.FileSizeBytes)
	assert.Positive(t, ev.MTimeEpochSeconds)
}

func TestWatcher_PicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	sink := startWatcher(t, WatcherConfig{
		Root:            root,
		Extensions:      []string{"MP4"},
		StabilityWindow: 50 * time.Millisecond,
		CameraSegment:   1,
		ScanOnStart:     true,
	})

	target := filepath.Join(root, "live", "cam2", "2025-01-01", "seg.mp4")
	writeMedia(t, target, 64)

	ev := nextEvent(t, sink)
	assert.Equal(t, "cam2", ev.CameraStreamID)
	assert.Equal(t, target, ev.AbsolutePath)
}

func TestWatcher_IgnoresOtherExtensions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "live", "cam1"), 0o755))
	sink := startWatcher(t, WatcherConfig{
		Root:            root,
		Extensions:      []string{".mp4"},
		StabilityWindow: 50 * time.Millisecond,
		CameraSegment:   1,
		ScanOnStart:     true,
	})

	writeMedia(t, filepath.Join(root, "live", "cam1", "notes.txt"), 10)
	media := filepath.Join(root, "live", "cam1", "seg.mp4")
	writeMedia(t, media, 10)

	ev := nextEvent(t, sink)
	assert.Equal(t, media, ev.AbsolutePath)
	select {
	case extra := <-sink:
		t.Fatalf("unexpected event for %s", extra.AbsolutePath)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ScanOnStart(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "cam9", "old.mp4")
	writeMedia(t, existing, 32)
	// Empty files are not finished segments.
	writeMedia(t, filepath.Join(root, "cam9", "empty.mp4"), 0)

	sink := startWatcher(t, WatcherConfig{
		Root:            root,
		Extensions:      []string{".mp4"},
		StabilityWindow: 20 * time.Millisecond,
		CameraSegment:   0,
		ScanOnStart:     true,
	})

	ev := nextEvent(t, sink)
	assert.Equal(t, "cam9", ev.CameraStreamID)
	assert.Equal(t, existing, ev.AbsolutePath)
	select {
	case extra := <-sink:
		t.Fatalf("unexpected event for %s", extra.AbsolutePath)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_CameraFor(t *testing.T) {
	w := NewWatcher(WatcherConfig{Root: "/srv/rec", CameraSegment: 1}, nil, nil)

	cam, ok := w.cameraFor("/srv/rec/live/cam1/2025/a.mp4")
	assert.True(t, ok)
	assert.Equal(t, "cam1", cam)

	_, ok = w.cameraFor("/srv/rec/live/a.mp4")
	assert.False(t, ok, "file name is never a camera id")

	_, ok = w.cameraFor("/elsewhere/live/cam1/a.mp4")
	assert.False(t, ok)
}

func TestWatcher_MissingRoot(t *testing.T) {
	w := NewWatcher(WatcherConfig{Root: filepath.Join(t.TempDir(), "missing")}, make(chanSink), nil)
	err := w.Run(context.Background())
	require.Error(t, err)
}
