package scanner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"casbak/internal/caserr"
)

// Watcher observes a directory tree and coalesces filesystem events into
// rescan signals. New subdirectories are added to the watch set as they
// appear.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger
}

func NewWatcher(root string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, caserr.Wrap(caserr.KindCasIo, err, "creating filesystem watcher")
	}
	w := &Watcher{root: root, fsw: fsw, debounce: debounce, log: logger}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return caserr.Wrap(caserr.KindCasIo, err, "walking watch tree")
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return caserr.Wrap(caserr.KindCasIo, err, "adding watch")
			}
		}
		return nil
	})
}

// Run blocks delivering coalesced change notifications to fn until ctx is
// done or the watch channel closes. fn runs on the watcher goroutine;
// events arriving while it runs fold into the next notification.
func (w *Watcher) Run(ctx context.Context, fn func()) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.log.Warn("watching new directory", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			w.log.Debug("filesystem event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			fn()
		}
	}
}
