package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchReload watches baseDir/configs for writes and re-runs Reload on the
// loader whenever any *.yaml file under it changes, following the
// fsnotify-driven hot-reload pattern used elsewhere in this stack rather
// than a polled stat loop. Blocks until ctx is cancelled.
func (l *DeploymentLoader) WatchReload(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	configsDir := filepath.Join(l.baseDir, "configs")
	if err := watcher.Add(configsDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".yaml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.log.Info("deployment config changed, reloading", zap.String("file", event.Name))
			if err := l.Reload(knownAgents(l.baseDir)); err != nil {
				l.log.Warn("reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("config watcher error", zap.Error(err))
		}
	}
}
