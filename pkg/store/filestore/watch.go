package filestore

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher reloads the pools file when something other than this process
// writes it. Our own persists mark themselves expected so they do not
// bounce back as reloads; editors that replace the file (rename, chmod)
// are debounced because they fire several events per save.
type watcher struct {
	fs      *fsnotify.Watcher
	store   *Store
	expects atomic.Int64
	done    chan struct{}
}

func newWatcher(s *Store, poolsPath string) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic renames swap the inode and
	// a file-level watch would go stale after the first save.
	if err := fw.Add(s.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &watcher{fs: fw, store: s, done: make(chan struct{})}
	go w.loop(poolsPath)
	return w, nil
}

// ExpectSelfWrite marks the next pools-file event as originating from this
// process.
func (w *watcher) ExpectSelfWrite() {
	w.expects.Add(1)
}

func (w *watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *watcher) loop(poolsPath string) {
	defer close(w.done)

	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Name != poolsPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if w.expects.Load() > 0 {
				w.expects.Add(-1)
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.store.reloadPools)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("pools file watch error", "error", err)
		}
	}
}
