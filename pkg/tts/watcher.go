package tts

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher drops index entries for WAV files removed from the cache
// directory by operators or cleanup jobs.
type Watcher struct {
	watcher *fsnotify.Watcher
	index   Index
	logger  *logrus.Logger
}

// NewWatcher watches root and every directory below it.
func NewWatcher(root string, index Index, logger *logrus.Logger) (*Watcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{watcher: fw, index: index, logger: logger}
	if err := w.addTree(filepath.Clean(root)); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Run processes events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("TTS cache watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.WithError(err).WithField("dir", ev.Name).Warn("Failed to watch TTS directory")
			}
		}
		return
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 || !strings.EqualFold(filepath.Ext(ev.Name), ".wav") {
		return
	}
	if err := w.index.RemovePath(ctx, ev.Name); err != nil {
		w.logger.WithError(err).WithField("file", ev.Name).Warn("Failed to drop removed TTS file from index")
		return
	}
	w.logger.WithField("file", ev.Name).Debug("TTS file removed from cache")
}

// Close stops the watcher; Run returns once the event channel closes.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
