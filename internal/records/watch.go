package records

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// expectWindow bounds how long a removal made by this process is remembered
// while waiting for its filesystem event.
const expectWindow = 30 * time.Second

type watcher struct {
	disk   *Disk
	fs     *fsnotify.Watcher
	logger pslog.Logger
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	subs     []func(Kind, string)
	expected map[string]time.Time
}

func newWatcher(d *Disk, logger pslog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("records: create watcher: %w", err)
	}
	for _, kind := range Kinds {
		if err := fw.Add(d.kindDir(kind)); err != nil {
			fw.Close()
			return nil, fmt.Errorf("records: watch %s: %w", d.kindDir(kind), err)
		}
	}
	w := &watcher{
		disk:     d,
		fs:       fw,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		expected: make(map[string]time.Time),
	}
	go w.run()
	return w, nil
}

func (w *watcher) subscribe(fn func(Kind, string)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// expectRemoval marks path as removed by this process so its event is not
// reported as external.
func (w *watcher) expectRemoval(path string) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, at := range w.expected {
		if now.Sub(at) > expectWindow {
			delete(w.expected, p)
		}
	}
	w.expected[path] = now
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.stop)
		w.fs.Close()
		<-w.done
	})
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Remove) {
				w.handleRemove(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("bridged.records.disk.watch_error", "error", err)
		}
	}
}

func (w *watcher) handleRemove(path string) {
	path = filepath.Clean(path)
	name := filepath.Base(path)
	if !strings.HasSuffix(name, recordSuffix) {
		return
	}
	kind := Kind(filepath.Base(filepath.Dir(path)))
	if kind != KindConnection && kind != KindStatement {
		return
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, recordSuffix))
	if err != nil {
		return
	}
	w.mu.Lock()
	if _, ours := w.expected[path]; ours {
		delete(w.expected, path)
		w.mu.Unlock()
		return
	}
	subs := append([]func(Kind, string){}, w.subs...)
	w.mu.Unlock()
	w.logger.Debug("bridged.records.disk.external_removal", "kind", string(kind), "id", id)
	for _, fn := range subs {
		fn(kind, id)
	}
}
