package watcher_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepcore/internal/watcher"
)

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "demo.lua")
	err := os.WriteFile(scriptPath, []byte("return {}"), 0644)
	require.NoError(t, err, "failed to create test script")

	w, err := watcher.New(watcher.Config{
		ScriptsDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	for i := 0; i < 10; i++ {
		err := os.WriteFile(scriptPath, []byte("return {} --rev"), 0644)
		require.NoError(t, err, "failed to write file")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
		// Expected
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(150 * time.Millisecond):
		// Expected - no second notification
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "demo.lua")
	otherPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(scriptPath, []byte("return {}"), 0644))
	require.NoError(t, os.WriteFile(otherPath, []byte("initial"), 0644))

	w, err := watcher.New(watcher.Config{
		ScriptsDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	err = os.WriteFile(otherPath, []byte("other content"), 0644)
	require.NoError(t, err, "failed to write other file")

	select {
	case <-onChange:
		t.Fatal("should not notify for non-lua files")
	case <-time.After(150 * time.Millisecond):
		// Expected
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()

	w, err := watcher.New(watcher.Config{
		ScriptsDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestWatcher_WatchesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "chains")
	require.NoError(t, os.Mkdir(subDir, 0755))
	scriptPath := filepath.Join(subDir, "chain.lua")
	require.NoError(t, os.WriteFile(scriptPath, []byte("return {}"), 0644))

	w, err := watcher.New(watcher.Config{
		ScriptsDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	err = os.WriteFile(scriptPath, []byte("return {} --changed"), 0644)
	require.NoError(t, err, "failed to write nested script")

	select {
	case <-onChange:
		// Expected
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected notification for nested script write")
	}
}

func TestDefaultConfig(t *testing.T) {
	dir := "/test/scripts"
	cfg := watcher.DefaultConfig(dir)

	assert.Equal(t, dir, cfg.ScriptsDir)
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceDur)
}
