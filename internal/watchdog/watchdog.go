// Package watchdog watches a bus's device-node directory for the
// node's creation or removal and signals a callback when the bus's
// presence changes. busloop does not consume this signal; its rescans
// run only on its own backoff-governed interval.
package watchdog

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one bus device node (e.g. "/dev/i2c-1") for
// create/remove events and invokes onChange(present) whenever the
// node's existence flips.
type Watcher struct {
	watcher  *fsnotify.Watcher
	busPath  string
	onChange func(present bool)
	done     chan struct{}
}

// New creates a Watcher for busPath. A failure to construct the
// underlying fsnotify watcher degrades to a no-op Watcher rather than
// an error: hotplug notification is a latency improvement, not a
// requirement — busloop's own rescan-with-backoff still runs either way.
func New(busPath string, onChange func(present bool)) *Watcher {
	w := &Watcher{busPath: busPath, onChange: onChange, done: make(chan struct{})}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("watchdog: could not create fsnotify watcher", "bus", busPath, "err", err)
		close(w.done)
		return w
	}
	w.watcher = fw

	if err := fw.Add(filepath.Dir(busPath)); err != nil {
		slog.Warn("watchdog: could not watch device directory", "bus", busPath, "err", err)
		_ = fw.Close()
		w.watcher = nil
		close(w.done)
		return w
	}

	go w.watchLoop()
	return w
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.busPath {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				w.onChange(true)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.onChange(false)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watchdog: watcher error", "bus", w.busPath, "err", err)
		}
	}
}

// Close stops the watch goroutine and releases the underlying
// fsnotify watcher, if one was successfully created.
func (w *Watcher) Close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}
