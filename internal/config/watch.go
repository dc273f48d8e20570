// Watcher notices when the on-disk quality-gate/budget config changes and
// raises a signal for the caller to reload explicitly. It never reaches into
// a running ContinuationEngine or BudgetGuard itself — components only pick
// up new config between gate runs / budget checks, never mid-flight.
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crewlyhq/crewly/internal/logging"
)

// Watcher watches one or more config file paths and emits a Reload signal
// on the Changes channel whenever any of them is written or replaced.
// Rapid successive writes (editors that write-then-rename) are coalesced
// into a single signal, the same way the teacher's app registry watcher
// debounces binary rebuild events.
type Watcher struct {
	watcher *fsnotify.Watcher
	paths   map[string]string // absolute path -> base filename
	changes chan Reload

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

// Reload identifies which watched file changed, so the caller can decide
// whether to reload quality gates, budgets, or both.
type Reload struct {
	Path string
}

// NewWatcher starts watching the given config file paths. Each path is
// watched through its parent directory, so a file that doesn't exist yet is
// picked up by a later Create event; empty paths are skipped. The parent
// directory must exist, or NewWatcher returns an error.
func NewWatcher(paths ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		paths:    make(map[string]string),
		changes:  make(chan Reload, 1),
		debounce: make(map[string]*time.Timer),
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		w.paths[abs] = filepath.Base(abs)
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch config dir %s: %w", dir, err)
		}
	}

	return w, nil
}

// Changes returns the channel Reload signals are delivered on. Consumers
// should drain it from a single goroutine; signals for the same file that
// arrive within the debounce window are coalesced into one.
func (w *Watcher) Changes() <-chan Reload { return w.changes }

// Run blocks, dispatching fsnotify events until stop is closed or Close is
// called. Intended to run in its own goroutine.
func (w *Watcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			w.mu.Lock()
			for _, t := range w.debounce {
				t.Stop()
			}
			w.mu.Unlock()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}

	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}
	base := filepath.Base(abs)

	matched := ""
	for path, name := range w.paths {
		if name == base {
			matched = path
			break
		}
	}
	if matched == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.debounce[matched]; ok {
		t.Stop()
	}
	w.debounce[matched] = time.AfterFunc(300*time.Millisecond, func() {
		w.mu.Lock()
		delete(w.debounce, matched)
		w.mu.Unlock()

		select {
		case w.changes <- Reload{Path: matched}:
		default:
			// a reload is already pending; the consumer will re-read
			// every watched file on its next pass regardless of which
			// path this signal names.
		}
	})
}

// Close stops the underlying fsnotify watcher. Safe to call once Run has
// returned or concurrently to make it return.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
