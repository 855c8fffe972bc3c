package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"editoragent/internal/domain"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_WhenFileChanges_ShouldDeliverReloadedConfig(t *testing.T) {
	// Given: a started watcher on a valid config
	path := filepath.Join(t.TempDir(), "editoragent.json")
	writeConfig(t, path, `{"agent":{"model":"first"}}`)
	w := NewWatcher(path, nil)
	got := make(chan *domain.Config, 4)
	if err := w.Start(func(c *domain.Config) { got <- c }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// When: the file is rewritten
	writeConfig(t, path, `{"agent":{"model":"second"}}`)

	// Then
	select {
	case c := <-got:
		if c.Agent.Model != "second" {
			t.Errorf("want second, got %q", c.Agent.Model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_WhenFileInvalid_ShouldKeepQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editoragent.json")
	writeConfig(t, path, `{}`)
	w := NewWatcher(path, nil)
	got := make(chan *domain.Config, 4)
	if err := w.Start(func(c *domain.Config) { got <- c }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, `{ broken`)

	select {
	case c := <-got:
		t.Fatalf("expected no callback for invalid config, got %+v", c)
	case <-time.After(debounceDelay + 300*time.Millisecond):
	}
}

func TestWatcher_WhenOtherFileChanges_ShouldIgnore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editoragent.json")
	writeConfig(t, path, `{}`)
	w := NewWatcher(path, nil)
	got := make(chan *domain.Config, 4)
	if err := w.Start(func(c *domain.Config) { got <- c }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, filepath.Join(dir, "other.json"), `{}`)

	select {
	case <-got:
		t.Fatal("expected no callback for unrelated file")
	case <-time.After(debounceDelay + 300*time.Millisecond):
	}
}

func TestWatcher_Start_WhenCalledTwice_ShouldFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	w := NewWatcher(path, nil)
	if err := w.Start(func(*domain.Config) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	if err := w.Start(func(*domain.Config) {}); err == nil {
		t.Fatal("expected already started error")
	}
}

func TestWatcher_Start_WhenCallbackNil_ShouldFail(t *testing.T) {
	if err := NewWatcher("c.json", nil).Start(nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}

func TestWatcher_Start_WhenWatcherCreationFails_ShouldReturnError(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "c.json"), nil)
	w.newWatcherFn = func() (*fsnotify.Watcher, error) { return nil, errors.New("inotify exhausted") }
	if err := w.Start(func(*domain.Config) {}); err == nil || err.Error() != "inotify exhausted" {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestWatcher_Start_WhenDirectoryMissing_ShouldReturnError(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing", "c.json"), nil)
	if err := w.Start(func(*domain.Config) {}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestWatcher_Stop_WhenNotStarted_ShouldBeNoop(t *testing.T) {
	if err := NewWatcher("c.json", nil).Stop(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
