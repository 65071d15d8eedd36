// Package watch notifies subscribers when the task store file changes on
// disk, so external reporting layers can refresh snapshots without
// polling.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ksuda/foreman/internal/events"
)

const DefaultDebounce = 250 * time.Millisecond

// Watcher publishes a store_changed bus event, debounced, whenever the
// watched store file is written or atomically replaced.
type Watcher struct {
	path     string
	bus      *events.Bus
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// New creates a watcher for the store file at path. Events are published
// on bus. A non-positive debounce falls back to the default.
func New(path string, bus *events.Bus, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	// Watch the directory, not the file: the atomic writer replaces the
	// file by rename, which would drop a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     path,
		bus:      bus,
		debounce: debounce,
		fsw:      fsw,
	}, nil
}

// Run processes filesystem events until ctx is cancelled. Bursts of
// writes within the debounce window collapse into one notification.
func (w *Watcher) Run(ctx context.Context) error {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.bus.Publish(events.BusStoreChanged, map[string]any{"path": w.path})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("fs watcher: %w", err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
