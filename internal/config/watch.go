package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads projectDir's configuration whenever one of the loaded
// files changes and passes the new settings to onChange. It blocks until
// ctx ends.
func Watch(ctx context.Context, projectDir string, logger *zap.Logger, onChange func(Settings)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	files := watchedFiles(CurrentPaths())
	if len(files) == 0 {
		return errors.New("no config files to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Directories are watched so editors that replace files are noticed.
	dirs := map[string]struct{}{}
	for file := range files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	added := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Debug("config dir not watched", zap.String("dir", dir), zap.Error(err))
			continue
		}
		added++
	}
	if added == 0 {
		return errors.New("no config directories to watch")
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, watched := files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if _, err := LoadConfig(projectDir); err != nil {
				logger.Warn("config reload failed", zap.Error(err))
				continue
			}
			settings, err := Current()
			if err != nil {
				logger.Warn("config reload failed", zap.Error(err))
				continue
			}
			logger.Info("config reloaded")
			onChange(settings)
		}
	}
}

func watchedFiles(paths Paths) map[string]struct{} {
	files := map[string]struct{}{}
	for _, path := range []string{paths.Default, paths.Global, paths.Project} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		files[filepath.Clean(abs)] = struct{}{}
	}
	return files
}
