package receiver

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/metrics"
)

// Handler processes one queued message file.
type Handler interface {
	Process(ctx context.Context, path string) Outcome
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Directories   []config.WatchedDir
	SweepInterval time.Duration
	WatchRetry    time.Duration
	// Workers bounds how many event-triggered messages are processed at once.
	Workers   int
	Handler   Handler
	Collector metrics.Collector
	Logger    *slog.Logger
}

// Watcher feeds newly delivered maildir messages to a Handler. Files are
// picked up from filesystem events and from full sweeps, which run at
// start, every sweep interval and on request. Only files directly inside a
// directory named "new" are handled.
//
// Sweeps and events are serialized: an event waits while a sweep runs, and
// a sweep starts only once in-flight event handling has finished.
type Watcher struct {
	cfg WatcherConfig

	gate     sync.RWMutex
	sweeping atomic.Bool
	requests chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	watched  map[string]bool

	fsw *fsnotify.Watcher
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Minute
	}
	if cfg.WatchRetry <= 0 {
		cfg.WatchRetry = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		cfg:      cfg,
		requests: make(chan struct{}, 1),
		inflight: make(map[string]bool),
		watched:  make(map[string]bool),
	}
}

// RequestSweep asks the running watcher for a sweep. A request made while
// a sweep is running is dropped; requests made while one is pending are
// coalesced.
func (w *Watcher) RequestSweep() {
	if w.sweeping.Load() {
		w.cfg.Logger.Debug("sweep already running, request ignored")
		return
	}
	select {
	case w.requests <- struct{}{}:
	default:
	}
}

// Run watches the configured directories until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	defer func() { _ = fsw.Close() }()

	var bg sync.WaitGroup
	for _, dir := range w.cfg.Directories {
		bg.Add(1)
		go func(dir config.WatchedDir) {
			defer bg.Done()
			w.watchWithRetry(ctx, dir)
		}(dir)
	}

	bg.Add(1)
	go func() {
		defer bg.Done()
		w.sweepLoop(ctx)
	}()

	workers := new(errgroup.Group)
	workers.SetLimit(w.cfg.Workers)

	defer bg.Wait()
	defer func() { _ = workers.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, workers, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.cfg.Logger.Error("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, workers *errgroup.Group, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if w.shouldWatch(ev.Name) {
			if err := w.addTree(ev.Name); err != nil {
				w.cfg.Logger.Warn("cannot watch new directory",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()))
			}
			// Files may have landed before the watch was in place.
			w.RequestSweep()
		}
		return
	}
	if !inNewDir(ev.Name) {
		return
	}

	workers.Go(func() error {
		w.gate.RLock()
		defer w.gate.RUnlock()
		w.processOnce(ctx, ev.Name)
		return nil
	})
}

func (w *Watcher) sweepLoop(ctx context.Context) {
	w.Sweep(ctx)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		case <-w.requests:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes every queued file in the watched directories. It returns
// false without doing anything when another sweep is already running.
func (w *Watcher) Sweep(ctx context.Context) bool {
	if !w.sweeping.CompareAndSwap(false, true) {
		w.cfg.Logger.Debug("sweep already running")
		return false
	}
	defer func() {
		// A request that slipped in as this sweep started is covered by it.
		select {
		case <-w.requests:
		default:
		}
		w.sweeping.Store(false)
	}()

	w.gate.Lock()
	defer w.gate.Unlock()

	start := time.Now()
	count := 0
	for _, dir := range w.cfg.Directories {
		for _, path := range queuedFiles(dir, w.cfg.Logger) {
			if ctx.Err() != nil {
				return true
			}
			w.processOnce(ctx, path)
			count++
		}
	}

	elapsed := time.Since(start)
	w.cfg.Collector.SweepCompleted(elapsed)
	w.cfg.Logger.Info("sweep finished",
		slog.Int("messages", count),
		slog.Duration("duration", elapsed))
	return true
}

// Sweeping reports whether a sweep is in progress.
func (w *Watcher) Sweeping() bool {
	return w.sweeping.Load()
}

func (w *Watcher) processOnce(ctx context.Context, path string) {
	w.mu.Lock()
	if w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	w.cfg.Handler.Process(ctx, path)
}

// watchWithRetry establishes the watches for dir, retrying until it succeeds.
func (w *Watcher) watchWithRetry(ctx context.Context, dir config.WatchedDir) {
	for {
		err := w.watch(dir)
		if err == nil {
			w.cfg.Logger.Info("watching directory",
				slog.String("path", dir.Path),
				slog.Bool("recursive", dir.Recursive))
			return
		}

		w.cfg.Logger.Warn("cannot watch directory, will retry",
			slog.String("path", dir.Path),
			slog.Duration("retry_in", w.cfg.WatchRetry),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.WatchRetry):
		}
	}
}

func (w *Watcher) watch(dir config.WatchedDir) error {
	if dir.Recursive {
		return w.addTree(dir.Path)
	}
	if err := w.add(dir.Path); err != nil {
		return err
	}
	newDir := filepath.Join(dir.Path, "new")
	if isDir(newDir) {
		return w.add(newDir)
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.add(path)
	})
}

func (w *Watcher) add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[path] {
		return nil
	}
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.watched[path] = true
	return nil
}

// shouldWatch reports whether a newly created directory belongs to a
// watched tree: anything below a recursive directory, or the "new"
// subdirectory of a non-recursive one.
func (w *Watcher) shouldWatch(path string) bool {
	for _, dir := range w.cfg.Directories {
		if !dir.Recursive {
			if path == filepath.Join(dir.Path, "new") {
				return true
			}
			continue
		}
		rel, err := filepath.Rel(dir.Path, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// queuedFiles lists the files in dir that are waiting to be processed.
// A non-recursive directory contributes its own files and those in its
// "new" subdirectory; a recursive one contributes every "new" directory
// below it.
func queuedFiles(dir config.WatchedDir, logger *slog.Logger) []string {
	var files []string

	if !dir.Recursive {
		for _, d := range []string{dir.Path, filepath.Join(dir.Path, "new")} {
			files = append(files, newFilesIn(d, logger)...)
		}
		return files
	}

	err := filepath.WalkDir(dir.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir.Path {
				return err
			}
			logger.Warn("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if d.Type().IsRegular() && inNewDir(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("sweep failed", slog.String("path", dir.Path), slog.String("error", err.Error()))
	}
	return files
}

func newFilesIn(dir string, logger *slog.Logger) []string {
	if filepath.Base(dir) != "new" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("sweep failed", slog.String("path", dir), slog.String("error", err.Error()))
		}
		return nil
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func inNewDir(path string) bool {
	return filepath.Base(filepath.Dir(path)) == "new"
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
