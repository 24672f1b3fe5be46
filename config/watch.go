package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates r whenever the base file or any tenant config changes.
// It blocks until ctx is cancelled.
func Watch(ctx context.Context, r *Resolver, baseFile string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if baseFile != "" {
		if err := watcher.Add(filepath.Dir(baseFile)); err != nil {
			logger.Warn("config watch disabled for base file", "path", baseFile, "error", err)
		}
	}
	if r.tenantsDir != "" {
		if err := addTree(watcher, r.tenantsDir); err != nil {
			logger.Warn("config watch disabled for tenants", "path", r.tenantsDir, "error", err)
		}
	}

	absBase, _ := filepath.Abs(baseFile)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			abs, _ := filepath.Abs(event.Name)
			switch {
			case baseFile != "" && abs == absBase:
				tree, err := LoadTree(baseFile)
				if err != nil {
					logger.Error("config reload failed", "path", baseFile, "error", err)
					continue
				}
				r.SetBase(tree)
				logger.Info("config reloaded", "path", baseFile)
			case filepath.Base(event.Name) == r.filename || event.Has(fsnotify.Remove):
				r.Invalidate()
				logger.Debug("tenant config changed", "path", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
