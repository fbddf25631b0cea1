package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSink receives finished segments from the watcher.
type FileSink interface {
	IngestFile(ctx context.Context, ev FileEvent) (*Result, error)
}

// WatcherConfig configures the filesystem fallback source.
type WatcherConfig struct {
	Root string
	// Extensions lists the media extensions to report, with leading dot.
	Extensions []string
	// StabilityWindow is how long a file must go without writes before it is reported.
	StabilityWindow time.Duration
	// CameraSegment is the index of the camera id among the segments of the path relative to Root.
	CameraSegment int
	// ScanOnStart reports files already present when the watcher starts.
	ScanOnStart bool
}

// Watcher reports finished recording segments written under the storage root.
type Watcher struct {
	cfg    WatcherConfig
	sink   FileSink
	exts   map[string]bool
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
}

// NewWatcher creates a watcher. Call Run to start it.
func NewWatcher(cfg WatcherConfig, sink FileSink, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 5 * time.Second
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Watcher{
		cfg:     cfg,
		sink:    sink,
		exts:    exts,
		logger:  logger,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 256),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()
	defer w.stopTimers()

	if err := w.addTree(fsw, w.cfg.Root, w.cfg.ScanOnStart); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Root, err)
	}
	w.logger.Info("filesystem watcher started",
		zap.String("root", w.cfg.Root),
		zap.Duration("stability_window", w.cfg.StabilityWindow))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("filesystem watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("filesystem watcher error", zap.Error(err))

		case path := <-w.ready:
			w.emit(ctx, path)
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Files written before the watch was added are picked up by the scan.
			if err := w.addTree(fsw, event.Name, true); err != nil {
				w.logger.Warn("watch new directory failed", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
		w.schedule(event.Name)
	case event.Has(fsnotify.Write):
		w.schedule(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cancel(event.Name)
	}
}

// addTree watches dir and its subdirectories. With scan set, media files found are scheduled.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string, scan bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		if scan {
			w.schedule(path)
		}
		return nil
	})
}

// schedule (re)starts the stability timer for a media file.
func (w *Watcher) schedule(path string) {
	if !w.exts[strings.ToLower(filepath.Ext(path))] {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.StabilityWindow)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.StabilityWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		default:
			w.logger.Warn("watcher backlog full, segment left for rescan", zap.String("path", path))
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) emit(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return
	}
	camera, ok := w.cameraFor(path)
	if !ok {
		w.logger.Warn("cannot infer camera from path", zap.String("path", path), zap.Int("camera_segment", w.cfg.CameraSegment))
		return
	}
	_, err = w.sink.IngestFile(ctx, FileEvent{
		CameraStreamID:    camera,
		AbsolutePath:      path,
		FileSizeBytes:     info.Size(),
		MTimeEpochSeconds: info.ModTime().Unix(),
	})
	if err != nil {
		w.logger.Error("ingest watched file failed", zap.String("path", path), zap.Error(err))
	}
}

// cameraFor returns the directory segment at CameraSegment of path relative to Root.
func (w *Watcher) cameraFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.cfg.Root, path)
	if err != nil {
		return "", false
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	// The last segment is the file name.
	if w.cfg.CameraSegment < 0 || w.cfg.CameraSegment >= len(segs)-1 {
		return "", false
	}
	camera := segs[w.cfg.CameraSegment]
	if camera == "" || camera == ".." {
		return "", false
	}
	return camera, true
}
