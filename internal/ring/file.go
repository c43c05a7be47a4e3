package ring

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadFile parses and validates a membership file. The format is YAML:
//
//	replication: 3
//	members:
//	  - id: 1
//	    addr: "10.0.0.1:9631"
//	    datacenter: dc1
//	target_members:   # present only while a migration is staged
//	  - id: 4
//	    addr: "10.0.0.4:9631"
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ring: read %s: %w", path, err)
	}
	var snap Snapshot
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("ring: parse %s: %w", path, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("ring: %s: %w", path, err)
	}
	return snap, nil
}

// WatchFile reloads the membership file whenever it changes, until ctx is
// cancelled. A file that fails to load or validate leaves the last good
// snapshot in place. The watch covers the file's directory so editors and
// configuration management that replace the file atomically still trigger a
// reload.
func (r *Ring) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ring: watch %s: %w", path, err)
	}
	defer watcher.Close()
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("ring: watch %s: %w", dir, err)
	}
	base := filepath.Base(path)
	r.logger.Debug("ring.watch.start", "path", path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			snap, err := LoadFile(path)
			if err != nil {
				r.logger.Warn("ring.reload.failed", "path", path, "error", err)
				continue
			}
			if err := r.Update(snap); err != nil {
				r.logger.Warn("ring.reload.rejected", "path", path, "error", err)
				continue
			}
			r.logger.Info("ring.reload", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("ring.watch.error", "path", path, "error", err)
		}
	}
}
