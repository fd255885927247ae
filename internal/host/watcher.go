package host

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher maps filesystem changes under a set of directories to callbacks.
// Events are debounced: bursts of writes to the same path collapse into one
// callback after the quiet period elapses.
type Watcher struct {
	Log      *zap.Logger
	Debounce time.Duration

	fw *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given directories.
func NewWatcher(log *zap.Logger, dirs []string, debounce time.Duration) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("watcher: no directories")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	for _, d := range dirs {
		if err := fw.Add(filepath.Clean(d)); err != nil {
			_ = fw.Close()
			return nil, errors.Wrapf(err, "watch %s", d)
		}
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{Log: log, Debounce: debounce, fw: fw}, nil
}

// Run delivers debounced change batches to onChange until ctx is cancelled.
// Each batch is the deduplicated set of paths that changed during the burst.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	defer func() { _ = w.fw.Close() }()

	pending := map[string]struct{}{}
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = map[string]struct{}{}
		onChange(paths)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				flush()
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[filepath.Clean(ev.Name)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C
		case err, ok := <-w.fw.Errors:
			if !ok {
				flush()
				return nil
			}
			if w.Log != nil {
				w.Log.Warn("watch error", zap.Error(err))
			}
		case <-fire:
			fire = nil
			flush()
		}
	}
}
