package autoplay

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// stopWatcher watches a branch directory for the stop-file sentinel's
// arrival instead of polling os.Stat every loop iteration, the same
// directory-watch shape hector's rag.FileWatcher uses for config
// hot-reload, narrowed here to one filename and one boolean flag rather
// than a debounced document-event stream.
type stopWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	stopped atomic.Bool
}

func newStopWatcher(path string) (*stopWatcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	sw := &stopWatcher{watcher: w, path: path}
	if _, err := os.Stat(path); err == nil {
		sw.stopped.Store(true)
	}
	go sw.run()
	return sw, nil
}

func (sw *stopWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != sw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.stopped.Store(true)
			}
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stopped reports whether the stop file already existed when the watcher
// started or has been created or written since.
func (sw *stopWatcher) Stopped() bool { return sw.stopped.Load() }

func (sw *stopWatcher) Close() error { return sw.watcher.Close() }
