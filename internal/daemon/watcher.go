// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"dedupfs/internal/common"
	"dedupfs/internal/ingest"
	"dedupfs/internal/vfs"
)

// DefaultSettle is how long a file must stay quiet after its last write
// before it is reported as closed.
const DefaultSettle = 500 * time.Millisecond

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Settle time.Duration
	Filter *ingest.Filter
	Logger log.FieldLogger
}

// Watcher turns inotify-style events on a host tree into Notifier calls.
// fsnotify has no portable close-after-write event, so a write is reported
// once the file has been quiet for the settle period.
type Watcher struct {
	root     string
	notifier vfs.Notifier
	filter   *ingest.Filter
	settle   time.Duration
	watcher  *fsnotify.Watcher
	pending  map[string]time.Time
	log      log.FieldLogger
}

// NewWatcher watches root and every directory below it.
func NewWatcher(root string, notifier vfs.Notifier, opts WatcherOptions) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     abs,
		notifier: notifier,
		filter:   opts.Filter,
		settle:   opts.Settle,
		watcher:  fw,
		pending:  make(map[string]time.Time),
		log:      opts.Logger,
	}
	if err := w.addTree(abs, false); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and its subdirectories. With markFiles, regular files
// already present are queued, covering files created before the watch was
// in place.
func (w *Watcher) addTree(dir string, markFiles bool) error {
	now := time.Now()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.log.Warnf("[Watch] cannot read %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != w.root && w.filter.Excluded(path, true) {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(path); err != nil {
				w.log.Warnf("[Watch] cannot watch %s: %v", path, err)
			}
			return nil
		}
		if markFiles && d.Type().IsRegular() && !w.filter.Excluded(path, false) {
			w.pending[path] = now
		}
		return nil
	})
}

// Run dispatches events until ctx is done or the watcher is closed. Pending
// writes are flushed before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	w.log.Infof("[Watch] watching %s", w.root)
	for {
		select {
		case <-ctx.Done():
			w.flush(time.Time{})
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.flush(time.Time{})
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.flush(time.Time{})
				return nil
			}
			w.log.Warnf("[Watch] watcher error: %v", err)
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := event.Name
	w.log.Debugf("[Watch] %s", event)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.dropPending(path)
		// A renamed directory keeps its old watch on Linux.
		_ = w.watcher.Remove(path)
		w.notifier.OnFileRemoved(path)
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if !w.filter.Excluded(path, true) {
				if err := w.addTree(path, true); err != nil {
					w.log.Warnf("[Watch] cannot watch %s: %v", path, err)
				}
			}
			return
		}
		if info.Mode().IsRegular() && !w.filter.Excluded(path, false) {
			w.pending[path] = time.Now()
		}
	case event.Has(fsnotify.Write):
		if !w.filter.Excluded(path, false) {
			w.pending[path] = time.Now()
		}
	}
}

// flush reports every pending file quiet since before now minus the
// settle period. A zero now flushes everything.
// dropPending forgets queued writes at or below path.
func (w *Watcher) dropPending(path string) {
	for p := range w.pending {
		if common.IsWithin(p, path) {
			delete(w.pending, p)
		}
	}
}

func (w *Watcher) flush(now time.Time) {
	for path, last := range w.pending {
		if !now.IsZero() && now.Sub(last) < w.settle {
			continue
		}
		delete(w.pending, path)
		w.notifier.OnFileClosedAfterWrite(path)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
