package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"confab/internal/logging"
)

const watchDebounce = 100 * time.Millisecond

// WatchProxy reloads the proxy config whenever the file changes and hands
// the result to onChange. Editors replace files with rename+create, so the
// watch is on the parent directory. Returns once ctx ends.
func WatchProxy(ctx context.Context, path string, logger *logging.Logger, onChange func(ProxyConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var pending *time.Timer
	reload := func() {
		cfg, err := LoadProxy(path)
		if err != nil {
			if logger != nil {
				logger.Warn("config reload failed", map[string]string{
					"path":  path,
					"error": err.Error(),
				})
			}
			return
		}
		if logger != nil {
			logger.Info("config reloaded", map[string]string{"path": path})
		}
		onChange(cfg)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Warn("config watch error", map[string]string{"error": err.Error()})
			}
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return ctx.Err()
		}
	}
}
