package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly/internal/config"
)

func TestWatcherSignalsReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quality-gates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Required: []\n"), 0o600))

	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	require.NoError(t, os.WriteFile(path, []byte("Required:\n  - Name: build\n"), 0o600))

	select {
	case r := <-w.Changes():
		abs, _ := filepath.Abs(path)
		require.Equal(t, abs, r.Path)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload signal")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "budgets.yaml")
	require.NoError(t, os.WriteFile(watched, []byte("Scopes: []\n"), 0o600))

	w, err := config.NewWatcher(watched)
	require.NoError(t, err)
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o600))

	select {
	case r := <-w.Changes():
		t.Fatalf("unexpected reload signal for unrelated file: %+v", r)
	case <-time.After(500 * time.Millisecond):
	}
}
