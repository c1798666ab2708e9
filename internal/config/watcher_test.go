package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policyrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  similarity_threshold: 0.7\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Give the watch time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  similarity_threshold: 0.55\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.InDelta(t, 0.55, cfg.Retrieval.SimilarityThreshold, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcher_CloseReturnsAfterFailedStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "policyrag.yaml")
	w, err := NewWatcher(path, func(*Config) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Error(t, w.Start(ctx), "watching a nonexistent directory should fail")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Close()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked after a failed Start")
	}
}

func TestWatcher_KeepsPreviousOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policyrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  similarity_threshold: 0.7\n"), 0o644))

	called := make(chan struct{}, 1)
	w, err := NewWatcher(path, func(*Config) { called <- struct{}{} })
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(":: not yaml ::"), 0o644))

	select {
	case <-called:
		t.Fatal("callback must not fire for an unparseable file")
	case <-time.After(700 * time.Millisecond):
	}
}
