package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/twelevegg/callcopilot/internal/config"
)

func configYAML(logLevel string) string {
	return `
server:
  log_level: ` + logLevel + `
providers:
  llm:
    name: openai
retrieval:
  postgres_dsn: "postgres://localhost/test"
`
}

// watcherFixture owns a temp config file and a running watcher over it,
// recording every onChange invocation.
type watcherFixture struct {
	t       *testing.T
	path    string
	watcher *config.Watcher

	mu      sync.Mutex
	changes []struct{ old, new *config.Config }
	fired   chan struct{}
}

func newWatcherFixture(t *testing.T, initial string) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		t:     t,
		path:  filepath.Join(t.TempDir(), "config.yaml"),
		fired: make(chan struct{}, 8),
	}
	f.write(initial)

	w, err := config.NewWatcher(f.path, func(old, new *config.Config) {
		f.mu.Lock()
		f.changes = append(f.changes, struct{ old, new *config.Config }{old, new})
		f.mu.Unlock()
		select {
		case f.fired <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	f.watcher = w
	return f
}

func (f *watcherFixture) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write config: %v", err)
	}
}

func (f *watcherFixture) changeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, configYAML("info"))

	cfg := f.watcher.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, configYAML("info"))

	time.Sleep(100 * time.Millisecond)
	f.write(configYAML("debug"))

	select {
	case <-f.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not invoked within timeout")
	}

	f.mu.Lock()
	change := f.changes[0]
	f.mu.Unlock()

	if change.old.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("old log_level = %q, want info", change.old.Server.LogLevel)
	}
	if change.new.Server.LogLevel != config.LogLevelDebug {
		t.Errorf("new log_level = %q, want debug", change.new.Server.LogLevel)
	}
	if cur := f.watcher.Current(); cur.Server.LogLevel != config.LogLevelDebug {
		t.Errorf("Current() log_level = %q, want debug", cur.Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, configYAML("info"))

	time.Sleep(100 * time.Millisecond)
	f.write("server:\n  log_level: bananas\n")
	time.Sleep(300 * time.Millisecond)

	if n := f.changeCount(); n != 0 {
		t.Errorf("onChange fired %d times for an invalid config, want 0", n)
	}
	if cur := f.watcher.Current(); cur.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("Current() log_level = %q, want the old valid config", cur.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, configYAML("info"))

	time.Sleep(100 * time.Millisecond)
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(f.path, future, future); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := f.changeCount(); n != 0 {
		t.Errorf("onChange fired %d times for a touch-only change, want 0", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, configYAML("info"))
	f.watcher.Stop()
	f.watcher.Stop()
}
