package server

import (
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches one file and triggers reload when it changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(filePath string) error
	logger   *zap.Logger
	done     chan struct{}
	exited   chan struct{}
	started  atomic.Bool
}

// NewWatcher creates a watcher for path. The parent directory is watched
// so editors that save by renaming are still noticed.
func NewWatcher(path string, onReload func(string) error, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     filepath.Clean(path),
		onReload: onReload,
		logger:   logger.Named("watch"),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.exited)
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				w.logger.Debug("file changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
				if err := w.onReload(event.Name); err != nil {
					w.logger.Warn("reload failed", zap.String("path", event.Name), zap.Error(err))
				}

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", zap.Error(err))

			case <-w.done:
				return
			}
		}
	}()
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	if w.started.Load() {
		<-w.exited
	}
	return err
}
