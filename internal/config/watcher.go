package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"editoragent/internal/domain"
)

// debounceDelay is the time to wait after a file event before reloading.
// Editors often write a file in several steps; this coalesces them.
var debounceDelay = 100 * time.Millisecond

// newWatcherFunc creates an fsnotify watcher; tests may replace it to inject errors.
type newWatcherFunc func() (*fsnotify.Watcher, error)

// Watcher reloads a config file when it changes on disk and hands every
// successfully parsed version to a callback. Parse errors are logged and the
// previous config stays in effect.
type Watcher struct {
	path         string
	logger       *slog.Logger
	watcher      *fsnotify.Watcher
	done         chan struct{}
	mu           sync.Mutex
	running      bool
	newWatcherFn newWatcherFunc // nil means use fsnotify.NewWatcher
}

// NewWatcher creates a watcher for the config file at path. A nil logger
// uses slog.Default(). Call Start to begin watching and Stop to release resources.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger}
}

// Start begins watching. onChange runs on a separate goroutine after each
// debounced write, create or rename of the file. Start must not be called
// more than once without an intervening Stop.
func (w *Watcher) Start(onChange func(*domain.Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if onChange == nil {
		return errors.New("config watcher: callback must not be nil")
	}
	if w.running {
		return errors.New("config watcher: already started")
	}

	// Watch the parent directory: editors replace files via rename, which
	// drops a watch placed on the file itself.
	newWatcher := fsnotify.NewWatcher
	if w.newWatcherFn != nil {
		newWatcher = w.newWatcherFn
	}
	watcher, err := newWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true
	go w.eventLoop(watcher, w.done, onChange)
	return nil
}

// Stop ceases watching. Safe to call even if not started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.done)
	err := w.watcher.Close()
	w.running = false
	return err
}

func (w *Watcher) eventLoop(watcher *fsnotify.Watcher, done <-chan struct{}, onChange func(*domain.Config)) {
	target := filepath.Base(w.path)
	var debounceTimer *time.Timer
	for {
		select {
		case <-done:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				select {
				case <-done:
					return
				default:
				}
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Warn("config reload failed", "path", w.path, "error", err)
					return
				}
				w.logger.Info("config reloaded", "path", w.path)
				onChange(cfg)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
