package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDelay debounces bursts of file events from a single save.
const ReloadDelay = 500 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// configuration to onChange. Invalid files are logged and ignored. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*AppConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	timer := time.NewTimer(ReloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(ReloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				slog.Error("Config reload rejected, keeping previous settings", "path", path, "error", err)
				continue
			}
			slog.Info("Config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
