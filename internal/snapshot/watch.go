package snapshot

import (
	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a callback whenever the on-disk config file
// changes, driving SIGHUP-equivalent reloads without requiring an
// actual signal (spec.md §9 supplemented feature: "touch-to-reload").
// Grounded on the fsnotify watch-loop idiom used in the example pack's
// filesystem watcher (Nehonix-Team-XyPriss's internal/watcher), here
// narrowed to a single config path and a reload callback instead of a
// generic per-event classifier.
type Watcher struct {
	fsw  *fsnotify.Watcher
	path string
}

// NewWatcher watches path (not its directory) for write/rename/remove
// events. Editors that replace-via-rename on save still trigger it
// because fsnotify reports the rename on the watched name itself.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, path: path}, nil
}

// Watch blocks and invokes onReload for every write/create/rename
// event until the Watcher is closed. Run it in its own goroutine.
func (w *Watcher) Watch(onReload func()) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				onReload()
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
