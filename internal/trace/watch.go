package trace

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher surfaces trace files appearing in watched directories, using
// OS-native change notifications. Only files with the .trace extension are
// reported.
type Watcher struct {
	w     *fsnotify.Watcher
	fileC chan string
	errC  chan error
	done  chan struct{}
}

// NewWatcher creates a watcher with no directories registered.
func NewWatcher() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		w:     fw,
		fileC: make(chan string, 64),
		errC:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".trace") {
				continue
			}
			select {
			case w.fileC <- ev.Name:
			case <-w.done:
				return
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			select {
			case w.errC <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

// Files returns the channel of newly appeared trace file paths. A path may be
// delivered more than once while the file is still being written.
func (w *Watcher) Files() <-chan string { return w.fileC }

// Errors returns the watcher's error channel.
func (w *Watcher) Errors() <-chan error { return w.errC }

// Add registers a directory to watch.
func (w *Watcher) Add(dir string) error { return w.w.Add(dir) }

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
