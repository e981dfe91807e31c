package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	minReloadInterval = 1 * time.Second
	settleWait        = 10 * time.Millisecond
)

// Watcher signals when the configuration file changes on disk.
// The parent directory is watched so editors that replace the file still trigger.
type Watcher struct {
	inner        *fsnotify.Watcher
	absolutePath string

	terminate chan struct{}
	signal    chan struct{}
	done      chan struct{}
}

// NewWatcher starts watching path.
func NewWatcher(path string) (*Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, _ := filepath.Abs(path)
	if err := inner.Add(filepath.Dir(abs)); err != nil {
		inner.Close() //nolint:errcheck
		return nil, err
	}

	w := &Watcher{
		inner:        inner,
		absolutePath: abs,
		terminate:    make(chan struct{}),
		signal:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	go w.run()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.terminate)
	<-w.done
}

// Changed returns a channel that receives after the file was written. It is
// closed when the watcher stops.
func (w *Watcher) Changed() <-chan struct{} {
	return w.signal
}

func (w *Watcher) run() {
	defer close(w.done)

	var lastCalled time.Time
	previous, _ := filepath.EvalSymlinks(w.absolutePath)

outer:
	for {
		select {
		case event := <-w.inner.Events:
			if time.Since(lastCalled) < minReloadInterval {
				continue
			}

			current, _ := filepath.EvalSymlinks(w.absolutePath)
			eventPath, _ := filepath.Abs(event.Name)
			eventPath, _ = filepath.EvalSymlinks(eventPath)

			if current == "" {
				// removed; wait for it to come back
				previous = ""
				continue
			}

			if current != previous ||
				(eventPath == current && event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				time.Sleep(settleWait)
				previous = current
				lastCalled = time.Now()

				select {
				case w.signal <- struct{}{}:
				case <-w.terminate:
					break outer
				}
			}

		case <-w.inner.Errors:
			break outer

		case <-w.terminate:
			break outer
		}
	}

	close(w.signal)
	w.inner.Close() //nolint:errcheck
}
