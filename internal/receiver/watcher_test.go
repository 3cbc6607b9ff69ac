package receiver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/metrics"
	"github.com/infodancer/mxd/internal/testutil"
)

// recordingHandler records processed paths and removes them, like a
// successful delivery would.
type recordingHandler struct {
	mu      sync.Mutex
	paths   []string
	block   chan struct{}
	started chan string
}

func (h *recordingHandler) Process(ctx context.Context, path string) Outcome {
	if h.started != nil {
		select {
		case h.started <- path:
		default:
		}
	}
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	h.paths = append(h.paths, path)
	h.mu.Unlock()
	_ = os.Remove(path)
	return Delivered
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]string(nil), h.paths...)
	sort.Strings(out)
	return out
}

func (h *recordingHandler) has(path string) bool {
	for _, p := range h.seen() {
		if p == path {
			return true
		}
	}
	return false
}

type sweepCounter struct {
	metrics.NoopCollector
	sweeps atomic.Int32
}

func (c *sweepCounter) SweepCompleted(time.Duration) {
	c.sweeps.Add(1)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func spoolDirs(base string) []config.WatchedDir {
	return []config.WatchedDir{
		{Path: filepath.Join(base, "flat")},
		{Path: filepath.Join(base, "tree"), Recursive: true},
	}
}

func TestSweepProcessesOnlyNewFiles(t *testing.T) {
	base := testutil.SetupDefaultMaildirs(t)
	flat := filepath.Join(base, "flat")
	nested := filepath.Join(base, "tree", "users", "abc123")

	want := []string{
		testutil.Deliver(t, flat, "1", []byte("a")),
		testutil.Deliver(t, filepath.Join(base, "tree"), "2", []byte("b")),
		testutil.Deliver(t, nested, "3", []byte("c")),
	}
	sort.Strings(want)

	for _, p := range []string{
		filepath.Join(flat, "cur", "seen"),
		filepath.Join(flat, "tmp", "partial"),
		filepath.Join(nested, "cur", "seen"),
	} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	h := &recordingHandler{}
	counter := &sweepCounter{}
	w := NewWatcher(WatcherConfig{
		Directories: spoolDirs(base),
		Handler:     h,
		Collector:   counter,
		Logger:      logging.Discard(),
	})

	if !w.Sweep(context.Background()) {
		t.Fatal("sweep did not run")
	}

	got := h.seen()
	if len(got) != len(want) {
		t.Fatalf("processed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("processed[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if counter.sweeps.Load() != 1 {
		t.Errorf("sweeps = %d, want 1", counter.sweeps.Load())
	}
}

func TestSweepNonRecursiveSkipsNested(t *testing.T) {
	base := testutil.SetupMaildirs(t, []testutil.TestMaildir{{Name: "flat", Children: []string{"sub"}}})
	flat := filepath.Join(base, "flat")
	top := testutil.Deliver(t, flat, "1", []byte("a"))
	testutil.Deliver(t, filepath.Join(flat, "sub"), "2", []byte("b"))

	h := &recordingHandler{}
	w := NewWatcher(WatcherConfig{
		Directories: []config.WatchedDir{{Path: flat}},
		Handler:     h,
		Logger:      logging.Discard(),
	})
	w.Sweep(context.Background())

	got := h.seen()
	if len(got) != 1 || got[0] != top {
		t.Errorf("processed %v, want only %s", got, top)
	}
}

func TestSweepIsNotReentrant(t *testing.T) {
	base := testutil.SetupDefaultMaildirs(t)
	testutil.Deliver(t, filepath.Join(base, "flat"), "1", []byte("a"))

	h := &recordingHandler{block: make(chan struct{}), started: make(chan string, 1)}
	w := NewWatcher(WatcherConfig{
		Directories: spoolDirs(base),
		Handler:     h,
		Logger:      logging.Discard(),
	})

	done := make(chan bool)
	go func() { done <- w.Sweep(context.Background()) }()
	<-h.started

	if !w.Sweeping() {
		t.Error("Sweeping() = false during a sweep")
	}
	if w.Sweep(context.Background()) {
		t.Error("second sweep ran while the first was active")
	}

	close(h.block)
	if !<-done {
		t.Error("first sweep reported not running")
	}
	if w.Sweeping() {
		t.Error("Sweeping() = true after the sweep")
	}
}

func TestRunIgnoresRequestDuringSweep(t *testing.T) {
	base := testutil.SetupDefaultMaildirs(t)
	testutil.Deliver(t, filepath.Join(base, "flat"), "1", []byte("a"))

	release := make(chan struct{})
	h := &recordingHandler{block: release, started: make(chan string, 1)}
	counter := &sweepCounter{}
	w := NewWatcher(WatcherConfig{
		Directories:   spoolDirs(base),
		SweepInterval: time.Hour,
		Handler:       h,
		Collector:     counter,
		Logger:        logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	<-h.started
	w.RequestSweep()
	close(release)

	waitFor(t, "startup sweep", func() bool { return counter.sweeps.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := counter.sweeps.Load(); n != 1 {
		t.Fatalf("sweeps = %d, want 1: a request during a sweep must be a no-op", n)
	}

	w.RequestSweep()
	waitFor(t, "requested sweep", func() bool { return counter.sweeps.Load() == 2 })
}

func TestEventWaitsForSweep(t *testing.T) {
	base := testutil.SetupDefaultMaildirs(t)
	flat := filepath.Join(base, "flat")
	first := testutil.Deliver(t, flat, "1", []byte("a"))

	release := make(chan struct{})
	h := &recordingHandler{block: release, started: make(chan string, 4)}
	w := NewWatcher(WatcherConfig{
		Directories: spoolDirs(base),
		Handler:     h,
		Logger:      logging.Discard(),
	})

	sweepDone := make(chan struct{})
	go func() {
		w.Sweep(context.Background())
		close(sweepDone)
	}()
	if got := <-h.started; got != first {
		t.Fatalf("sweep started with %s", got)
	}

	second := testutil.Deliver(t, flat, "2", []byte("b"))
	workers := new(errgroup.Group)
	w.handleEvent(context.Background(), workers, fsnotify.Event{Name: second, Op: fsnotify.Create})

	select {
	case p := <-h.started:
		t.Fatalf("event for %s processed during the sweep", p)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-sweepDone
	_ = workers.Wait()

	if !h.has(second) {
		t.Error("event was dropped instead of waiting for the sweep")
	}
}

func TestEventOutsideNewIgnored(t *testing.T) {
	base := testutil.SetupDefaultMaildirs(t)
	path := filepath.Join(base, "flat", "cur", "x")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := &recordingHandler{}
	w := NewWatcher(WatcherConfig{Directories: spoolDirs(base), Handler: h, Logger: logging.Discard()})
	workers := new(errgroup.Group)
	w.handleEvent(context.Background(), workers, fsnotify.Event{Name: path, Op: fsnotify.Create})
	_ = workers.Wait()

	if len(h.seen()) != 0 {
		t.Errorf("processed %v", h.seen())
	}
}

func (w *Watcher) isWatched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[path]
}

func TestRunPicksUpDeliveries(t *testing.T) {
	base := testutil.SetupDefaultMaildirs(t)
	flat := filepath.Join(base, "flat")
	nested := filepath.Join(base, "tree", "users", "abc123")
	early := testutil.Deliver(t, flat, "early", []byte("a"))

	h := &recordingHandler{}
	counter := &sweepCounter{}
	w := NewWatcher(WatcherConfig{
		Directories:   spoolDirs(base),
		SweepInterval: time.Hour,
		Handler:       h,
		Collector:     counter,
		Logger:        logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	waitFor(t, "startup sweep", func() bool { return h.has(early) })
	waitFor(t, "watches", func() bool {
		return w.isWatched(filepath.Join(flat, "new")) && w.isWatched(filepath.Join(nested, "new"))
	})

	a := testutil.Deliver(t, flat, "a", []byte("a"))
	b := testutil.Deliver(t, nested, "b", []byte("b"))
	waitFor(t, "event deliveries", func() bool { return h.has(a) && h.has(b) })

	sweeps := counter.sweeps.Load()
	w.RequestSweep()
	waitFor(t, "requested sweep", func() bool { return counter.sweeps.Load() > sweeps })

	// A maildir created later below a recursive root is watched too.
	late := filepath.Join(base, "tree", "users", "def456")
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(late, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "watch on new maildir", func() bool { return w.isWatched(filepath.Join(late, "new")) })
	c := testutil.Deliver(t, late, "c", []byte("c"))
	waitFor(t, "delivery into new maildir", func() bool { return h.has(c) })

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRetriesMissingDirectory(t *testing.T) {
	base := t.TempDir()
	spool := filepath.Join(base, "spool")

	h := &recordingHandler{}
	w := NewWatcher(WatcherConfig{
		Directories:   []config.WatchedDir{{Path: spool, Recursive: true}},
		SweepInterval: time.Hour,
		WatchRetry:    20 * time.Millisecond,
		Handler:       h,
		Logger:        logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(spool, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "retried watch", func() bool { return w.isWatched(filepath.Join(spool, "new")) })
	path := testutil.Deliver(t, spool, "1", []byte("x"))
	waitFor(t, "delivery", func() bool { return h.has(path) })
}
