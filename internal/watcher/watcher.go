package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/doomedramen/autopwn/internal/cache/filehash"
	"github.com/doomedramen/autopwn/internal/config"
	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/internal/repository"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// Extractor consumes recorded captures from the hand-off queue.
type Extractor interface {
	Process(ctx context.Context, capture *models.CaptureFile) (int, error)
}

// CaptureStore is the slice of the capture repository the watcher needs.
type CaptureStore interface {
	Create(ctx context.Context, capture *models.CaptureFile) error
	GetByChecksum(ctx context.Context, checksum string) (*models.CaptureFile, error)
}

// watchRetryDelay is how long the watcher waits before re-establishing a
// broken filesystem watch. Transient errors are retried, never fatal.
const watchRetryDelay = 5 * time.Second

// queueCapacity bounds the watcher -> extractor hand-off. When extraction
// falls behind the watcher blocks (with a warning) rather than dropping
// captures.
const queueCapacity = 64

var captureExtensions = map[string]bool{
	".pcap":    true,
	".pcapng":  true,
	".cap":     true,
	".hc22000": true,
	".22000":   true,
}

// Watcher observes the capture store for new files, waits for each file's
// size to hold still across a quiet period, deduplicates by content checksum
// and hands fresh captures to the extractor. One watcher loop feeds one
// extraction worker through a bounded queue.
type Watcher struct {
	cfg         *config.Config
	captureRepo CaptureStore
	extractor   Extractor
	hashCache   *filehash.Cache

	queue chan *models.CaptureFile
	cron  *cron.Cron

	// pending tracks paths currently in the debounce window so duplicate
	// events and a concurrent rescan do not double-process a file.
	mu      sync.Mutex
	pending map[string]bool

	wg sync.WaitGroup
}

// New creates a watcher over the configured capture root.
func New(cfg *config.Config, captureRepo CaptureStore, ext Extractor) *Watcher {
	return &Watcher{
		cfg:         cfg,
		captureRepo: captureRepo,
		extractor:   ext,
		hashCache:   filehash.New(),
		queue:       make(chan *models.CaptureFile, queueCapacity),
		pending:     make(map[string]bool),
	}
}

// Start creates the capture root if missing, performs an initial rescan so
// files dropped while the process was down are picked up, and launches the
// watch loop, the extraction worker and the periodic rescan.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.CapturesPath, 0755); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.extractLoop(ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()

	w.rescan(ctx)

	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.cfg.RescanSchedule, func() { w.rescan(ctx) }); err != nil {
		debug.Warning("Invalid rescan schedule %q, periodic rescan disabled: %v", w.cfg.RescanSchedule, err)
	} else {
		w.cron.Start()
	}

	debug.Info("Watching capture store at %s", w.cfg.CapturesPath)
	return nil
}

// Wait blocks until the watch loop, extraction worker and in-flight debounce
// goroutines finish.
func (w *Watcher) Wait() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	w.wg.Wait()
}

// watchLoop owns the fsnotify watch. If the watch breaks it is re-created
// after a delay; filesystem trouble must never take the process down.
func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		if err := w.watch(ctx); err != nil {
			debug.Error("Capture store watch failed: %v, retrying in %s", err, watchRetryDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetryDelay):
		}
		// The watch was down for a while; rescan to catch anything missed.
		w.rescan(ctx)
	}
}

func (w *Watcher) watch(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()

	if err := os.MkdirAll(w.cfg.CapturesPath, 0755); err != nil {
		return err
	}
	if err := fsWatcher.Add(w.cfg.CapturesPath); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handleCandidate(ctx, event.Name)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			debug.Warning("Filesystem watch error: %v", err)
		}
	}
}

// handleCandidate filters events down to capture files and starts the
// debounce for new paths. Duplicate events for a path already in its quiet
// period are absorbed here.
func (w *Watcher) handleCandidate(ctx context.Context, path string) {
	if !captureExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	w.mu.Lock()
	if w.pending[path] {
		w.mu.Unlock()
		return
	}
	w.pending[path] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()
		}()
		w.debounceAndRecord(ctx, path)
	}()
}

// debounceAndRecord waits until the file's size is stable across the quiet
// period (the file may still be uploading), then records and enqueues it
// unless its content is already known.
func (w *Watcher) debounceAndRecord(ctx context.Context, path string) {
	size, ok := w.waitForStableSize(ctx, path)
	if !ok {
		return
	}

	checksum, err := w.hashCache.GetOrCalculate(path)
	if err != nil {
		debug.Warning("Failed to checksum %s: %v", path, err)
		return
	}

	existing, err := w.captureRepo.GetByChecksum(ctx, checksum)
	if err == nil {
		// Same content, possibly under a new name. Skip silently apart from
		// this log line; no second capture or job is created.
		debug.Info("Skipping %s: content already known as capture %s (%s)",
			path, existing.ID, existing.Path)
		return
	}
	if !errors.Is(err, repository.ErrNotFound) {
		debug.Error("Failed to check capture checksum for %s: %v", path, err)
		return
	}

	capture := &models.CaptureFile{
		Path:       path,
		Checksum:   checksum,
		Size:       size,
		DetectedAt: time.Now(),
	}
	if err := w.captureRepo.Create(ctx, capture); err != nil {
		debug.Error("Failed to record capture %s: %v", path, err)
		return
	}
	debug.Info("Recorded capture %s (checksum: %.12s..., size: %d)", path, checksum, size)

	select {
	case w.queue <- capture:
	default:
		debug.Warning("Extraction queue full, watcher blocking on %s", path)
		select {
		case w.queue <- capture:
		case <-ctx.Done():
		}
	}
}

// waitForStableSize polls the file until its size has not changed for the
// configured stability window. Returns false if the file disappears or the
// context ends first.
func (w *Watcher) waitForStableSize(ctx context.Context, path string) (int64, bool) {
	var lastSize int64 = -1
	stableSince := time.Now()

	for {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				debug.Warning("Failed to stat %s during debounce: %v", path, err)
			}
			return 0, false
		}
		if info.Size() != lastSize {
			lastSize = info.Size()
			stableSince = time.Now()
		} else if time.Since(stableSince) >= w.cfg.StabilityWindow {
			return lastSize, true
		}

		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(w.cfg.StabilityInterval):
		}
	}
}

// extractLoop is the single consumer of the hand-off queue. Extraction
// failures are per-capture; the loop never stops on a bad file.
func (w *Watcher) extractLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case capture := <-w.queue:
			if _, err := w.extractor.Process(ctx, capture); err != nil {
				debug.Error("Extraction failed for capture %s: %v", capture.Path, err)
			}
		}
	}
}

// rescan walks the capture root and runs every capture file through the same
// debounce-and-dedup path as a filesystem event. Checksum identity makes
// this idempotent, so it is safe to run at startup and on a schedule.
func (w *Watcher) rescan(ctx context.Context) {
	err := filepath.WalkDir(w.cfg.CapturesPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			debug.Warning("Rescan error at %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		w.handleCandidate(ctx, path)
		return nil
	})
	if err != nil {
		debug.Warning("Capture store rescan failed: %v", err)
	}
}
