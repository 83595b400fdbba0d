package guard

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it changes until ctx is cancelled. The
// parent directory is watched so editors that replace the file are seen.
func (f *Filter) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := f.LoadFile(path); err != nil {
					f.logger.Warn(ctx, "guard rules reload failed", zap.String("path", path), zap.Error(err))
					continue
				}
				f.logger.Info(ctx, "guard rules reloaded", zap.String("path", path), zap.Int("rules", len(f.Rules())))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn(ctx, "guard watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
