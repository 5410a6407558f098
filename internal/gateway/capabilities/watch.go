package capabilities

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads table from path whenever the file changes, until ctx is
// done. A file that fails to load leaves the current table in place. The
// parent directory is watched so that editors replacing the file by rename
// are seen.
func Watch(ctx context.Context, path string, table *Table) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create capabilities watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	log.WithField("path", target).Info("watching capabilities file")

	var pending *time.Timer
	reload := func() {
		next, err := LoadFile(target)
		if err != nil {
			log.WithError(err).WithField("path", target).Error("capabilities reload failed, keeping previous table")
			return
		}
		table.replace(next)
		log.WithFields(log.Fields{"path": target, "models": len(next.Models())}).Info("capabilities reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("capabilities watcher closed")
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("capabilities watcher closed")
			}
			log.WithError(err).Warn("capabilities watcher error")
		}
	}
}
