package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceWindow coalesces the burst of events an editor save produces.
const DebounceWindow = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid result to
// apply. Invalid edits are logged and skipped; the last good config stays in
// force. Watch blocks until ctx ends.
//
// The parent directory is watched rather than the file so that atomic
// replace-by-rename saves are seen.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(DebounceWindow)
			} else {
				timer.Reset(DebounceWindow)
			}
			pending = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", "err", err)

		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("Ignoring invalid config change", "path", abs, "err", err)
				continue
			}
			logger.Info("Config reloaded", "path", abs)
			apply(cfg)
		}
	}
}
