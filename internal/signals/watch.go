package signals

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// #region watch

// Watch emits on the returned channel whenever the file at path is written,
// created or renamed into place. Bursts coalesce into one pending trigger.
// The channel closes when ctx ends or the watcher fails.
func Watch(ctx context.Context, path string, logger *slog.Logger) (<-chan struct{}, error) {
	return WatchAll(ctx, []string{path}, logger)
}

// WatchAll is Watch over several files sharing one trigger channel.
func WatchAll(ctx context.Context, paths []string, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directories: upstream writers replace files by rename.
	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		targets[filepath.Clean(p)] = true
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	triggers := make(chan struct{}, 1)

	go func() {
		defer close(triggers)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(ev.Name)] {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case triggers <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("signals watcher error", "paths", paths, "error", err)
			}
		}
	}()

	return triggers, nil
}

// #endregion watch
