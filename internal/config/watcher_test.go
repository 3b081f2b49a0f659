package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherFiresOnSettingsChange(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(&Settings{ListenAddr: "127.0.0.1:1"}))

	changed := make(chan *Settings, 1)
	w := NewWatcher(store, zap.NewNop(), func(s *Settings) {
		select {
		case changed <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	// Give the watcher a moment to install before mutating the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, store.Save(&Settings{ListenAddr: "127.0.0.1:2"}))

	select {
	case s := <-changed:
		assert.Equal(t, "127.0.0.1:2", s.ListenAddr)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(&Settings{}))

	fired := make(chan struct{}, 1)
	w := NewWatcher(store, zap.NewNop(), func(*Settings) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, store.SaveToolToggles(ToolToggleMap{"a": {"b": false}}))

	select {
	case <-fired:
		t.Fatal("tool-toggle writes must not trigger a settings reload")
	case <-time.After(600 * time.Millisecond):
	}
}
