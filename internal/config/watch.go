package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it is written and hands every
// successfully validated result to onChange. It blocks until ctx is done.
// Invalid edits are logged and ignored so the running config stays in effect.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(Config)) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory instead.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Small delay to let the write complete.
			time.Sleep(50 * time.Millisecond)
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config reload rejected", slog.String("error", err.Error()))
				continue
			}
			log.Info("config reloaded", slog.String("path", abs))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
