package manifest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/logger"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors produce on save.
const DefaultDebounce = time.Second

// Watcher keeps the cache warm for one manifest: after the file changes it
// invalidates the cache and loads the new version.
type Watcher struct {
	path     string
	loader   *Loader
	log      logger.Logger
	debounce time.Duration
	// reloaded, if set, is called after each reload attempt.
	reloaded func(err error)
}

func NewWatcher(path string, loader *Loader, log logger.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		log:      log.WithPrefix("[watch]"),
		debounce: DefaultDebounce,
	}
}

// Run watches until ctx is done. The parent directory is watched rather than
// the file so atomic replacements are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "watching %s", filepath.Dir(w.path))
	}
	w.log.Info("watching %s", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.log.Trace("event %s", ev)
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error: %s", err)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.loader.Invalidate(ctx)
	_, err := w.loader.LoadWithCache(ctx, w.path)
	if err != nil {
		w.log.Warn("reloading %s: %s", w.path, err)
	} else {
		w.log.Info("%s changed, cache refreshed", filepath.Base(w.path))
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}
