package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 200 * time.Millisecond

// Watcher observes settings.json for external edits and invokes onChange
// after a short debounce, so an editor's write-then-rename dance produces a
// single reload. The config directory, not the file, is watched: rename
// replaces the inode and a file watch would go stale.
type Watcher struct {
	store    *Store
	logger   *zap.Logger
	onChange func(*Settings)
}

func NewWatcher(store *Store, logger *zap.Logger, onChange func(*Settings)) *Watcher {
	return &Watcher{store: store, logger: logger, onChange: onChange}
}

// Run blocks until ctx is cancelled, delivering debounced change
// notifications.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.store.baseDir); err != nil {
		return err
	}

	settingsName := filepath.Base(w.store.settingsPath())
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != settingsName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", zap.Error(err))
		case <-fire:
			settings, err := w.store.Load()
			if err != nil {
				w.logger.Warn("reload settings failed", zap.Error(err))
				continue
			}
			w.logger.Info("settings file changed, reloading")
			w.onChange(settings)
		}
	}
}
