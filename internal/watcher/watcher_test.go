package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string) <-chan Change {
	t.Helper()
	changes := make(chan Change, 8)
	w, err := New(path, func(c Change) { changes <- c })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return changes
}

func waitChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
		return 0
	}
}

func TestWatcherReportsModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))

	changes := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte("b"), 0600))

	assert.Equal(t, Modified, waitChange(t, changes))
}

func TestWatcherReportsCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	changes := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	assert.Equal(t, Modified, waitChange(t, changes))
}

func TestWatcherReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))

	changes := startWatcher(t, path)
	require.NoError(t, os.Remove(path))

	assert.Equal(t, Removed, waitChange(t, changes))
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")

	changes := startWatcher(t, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0600))

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %v", c)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStartMissingParent(t *testing.T) {
	w, err := New("/nonexistent/dir/file.yaml", nil)
	require.NoError(t, err)
	assert.Error(t, w.Start())
	_ = w.Stop()
}

func TestStopIdempotent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "f"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
