package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileState is what the watcher remembers about the last good load: enough
// to cheaply decide whether the file changed (mtime first, content hash when
// the mtime moved).
type fileState struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and invokes a callback when its content
// changes and still parses into a valid [Config]. Polling (rather than
// fsnotify) keeps the dependency surface flat; a few-second reload delay is
// irrelevant for operator retuning.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	last     fileState
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path, then polls it in a background
// goroutine. Only the initial load is fatal; a file that later becomes
// invalid keeps the last good config and logs a warning.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	state, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = state

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop stops the file watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	state, err := w.load()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if state.hash == w.last.hash {
		// Touched, content identical. Remember the new mtime so the next
		// poll doesn't hash again.
		w.last.mtime = state.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = state
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback can safely call Current().
	if w.onChange != nil {
		w.onChange(old, state.cfg)
	}
}

// load reads, hashes, and validates the config file in one pass.
func (w *Watcher) load() (fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}
	return fileState{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
