package settings

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the settings file into store whenever it changes, until ctx is done.
// Invalid files are logged and ignored, the previous settings stay in effect.
func Watch(ctx context.Context, path string, store *Store, logger *logrus.Entry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create settings watcher: %w", err)
	}

	// editors replace files instead of writing them, so watch the directory
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("cannot watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reload(path, store, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Settings watcher failed")
			}
		}
	}()

	return nil
}

func reload(path string, store *Store, logger *logrus.Entry) {
	s, err := Load(path)
	if err != nil {
		logger.WithError(err).Warn("Ignoring invalid settings file")
		return
	}
	if err := store.Update(s); err != nil {
		logger.WithError(err).Warn("Ignoring invalid settings file")
		return
	}
	logger.WithFields(logrus.Fields{
		"maxResultLimit":         s.MaxResultLimit,
		"autoAcceptLargeQueries": s.AutoAcceptLargeQueries,
		"pollIntervalMs":         s.PollIntervalMs,
		"maxRequestsPerMinute":   s.MaxRequestsPerMinute,
	}).Info("Settings reloaded")
}
