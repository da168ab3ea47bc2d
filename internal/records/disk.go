package records

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/svcfields"
)

const recordSuffix = ".json"

// DiskConfig configures the disk backend.
type DiskConfig struct {
	Root            string
	Clock           clock.Clock
	Logger          pslog.Logger
	JanitorInterval time.Duration
	// Watch reports deletions made by other processes to OnRemoved callbacks.
	Watch bool
}

// Disk stores one JSON file per record:
//
//	<root>/connection/<id>.json
//	<root>/statement/<id>.json
//
// Writes go through a temp file, fsync and rename. A per-record fcntl lock
// serialises writers across processes sharing the directory.
type Disk struct {
	root    string
	tmpDir  string
	lockDir string
	clock   clock.Clock
	logger  pslog.Logger

	locks sync.Map

	janitorInterval time.Duration
	stopJanitor     chan struct{}
	doneJanitor     chan struct{}

	watch     *watcher
	closeOnce sync.Once
}

// NewDisk prepares the directory layout and starts the janitor.
func NewDisk(cfg DiskConfig) (*Disk, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("records: disk root required")
	}
	root := filepath.Clean(cfg.Root)
	d := &Disk{
		root:            root,
		tmpDir:          filepath.Join(root, "tmp"),
		lockDir:         filepath.Join(root, "locks"),
		clock:           clock.Ensure(cfg.Clock),
		logger:          svcfields.WithSubsystem(cfg.Logger, "bridged.records.disk"),
		janitorInterval: cfg.JanitorInterval,
	}
	dirs := []string{d.tmpDir, d.lockDir}
	for _, kind := range Kinds {
		dirs = append(dirs, d.kindDir(kind))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("records: prepare directory %q: %w", dir, err)
		}
	}
	if d.janitorInterval == 0 {
		d.janitorInterval = DefaultJanitorInterval
	}
	if d.janitorInterval > 0 {
		d.stopJanitor = make(chan struct{})
		d.doneJanitor = make(chan struct{})
		go d.janitorLoop()
	}
	if cfg.Watch {
		w, err := newWatcher(d, d.logger)
		if err != nil {
			d.logger.Warn("bridged.records.disk.watch_unavailable", "root", root, "error", err)
		} else {
			d.watch = w
		}
	}
	return d, nil
}

// Root returns the backend directory.
func (d *Disk) Root() string { return d.root }

func (d *Disk) kindDir(kind Kind) string {
	return filepath.Join(d.root, string(kind))
}

func encodeID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("records: id required")
	}
	encoded := url.PathEscape(id)
	if strings.Contains(encoded, "..") {
		return "", fmt.Errorf("records: invalid id %q", id)
	}
	return encoded, nil
}

func (d *Disk) recordPath(kind Kind, id string) (string, error) {
	switch kind {
	case KindConnection, KindStatement:
	default:
		return "", fmt.Errorf("records: unknown kind %q", kind)
	}
	encoded, err := encodeID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.kindDir(kind), encoded+recordSuffix), nil
}

func (d *Disk) keyLock(kind Kind, id string) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(string(kind)+"/"+id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

func (d *Disk) acquire(kind Kind, id string) (func(), error) {
	encoded, err := encodeID(id)
	if err != nil {
		return nil, err
	}
	mu := d.keyLock(kind, id)
	mu.Lock()
	f, err := os.OpenFile(filepath.Join(d.lockDir, string(kind)+"-"+encoded+".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("records: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("records: lock %s %s: %w", kind, id, err)
	}
	fl := &fileLock{file: f}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func (d *Disk) Put(_ context.Context, rec Record) error {
	payload, err := Encode(rec)
	if err != nil {
		return err
	}
	dest, err := d.recordPath(rec.Kind, rec.ID)
	if err != nil {
		return err
	}
	release, err := d.acquire(rec.Kind, rec.ID)
	if err != nil {
		return err
	}
	defer release()
	if err := d.writeAtomic(dest, payload); err != nil {
		return fmt.Errorf("records: write %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (d *Disk) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	path, err := d.recordPath(kind, id)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("records: read %s %s: %w", kind, id, err)
	}
	rec, err := Decode(data)
	if err != nil {
		d.logger.Warn("bridged.records.disk.corrupt", "kind", string(kind), "id", id, "error", err)
		_ = d.Delete(ctx, kind, id)
		return Record{}, ErrNotFound
	}
	if err := checkLive(rec, d.clock.Now()); err != nil {
		_ = d.Delete(ctx, kind, id)
		return Record{}, err
	}
	return rec, nil
}

func (d *Disk) Delete(_ context.Context, kind Kind, id string) error {
	path, err := d.recordPath(kind, id)
	if err != nil {
		return err
	}
	release, err := d.acquire(kind, id)
	if err != nil {
		return err
	}
	defer release()
	if d.watch != nil {
		d.watch.expectRemoval(path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("records: delete %s %s: %w", kind, id, err)
	}
	_ = syncDir(filepath.Dir(path))
	return nil
}

func (d *Disk) List(ctx context.Context, kind Kind) ([]Record, error) {
	entries, err := os.ReadDir(d.kindDir(kind))
	if err != nil {
		return nil, fmt.Errorf("records: list %s: %w", kind, err)
	}
	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, recordSuffix))
		if err != nil {
			continue
		}
		rec, err := d.Get(ctx, kind, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OnRemoved registers fn for deletions made outside this process. It is a
// no-op when watching is disabled.
func (d *Disk) OnRemoved(fn func(kind Kind, id string)) {
	if d.watch != nil {
		d.watch.subscribe(fn)
	}
}

// Close stops the janitor and the watcher.
func (d *Disk) Close() error {
	d.closeOnce.Do(func() {
		if d.stopJanitor != nil {
			close(d.stopJanitor)
			<-d.doneJanitor
		}
		if d.watch != nil {
			d.watch.close()
		}
	})
	return nil
}

func (d *Disk) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(d.tmpDir, "bridged-record-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func (d *Disk) janitorLoop() {
	ticker := time.NewTicker(d.janitorInterval)
	defer ticker.Stop()
	defer close(d.doneJanitor)
	for {
		select {
		case <-ticker.C:
			d.Sweep(context.Background())
		case <-d.stopJanitor:
			return
		}
	}
}

// Sweep removes expired and unreadable records and stale lock files. It
// returns the number of records removed.
func (d *Disk) Sweep(ctx context.Context) int {
	removed := 0
	for _, kind := range Kinds {
		entries, err := os.ReadDir(d.kindDir(kind))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(name, recordSuffix))
			if err != nil {
				continue
			}
			if _, err := d.Get(ctx, kind, id); errors.Is(err, ErrExpired) || errors.Is(err, ErrNotFound) {
				removed++
			}
		}
	}
	d.sweepLocks()
	d.sweepTemp()
	if removed > 0 {
		d.logger.Debug("bridged.records.disk.swept", "removed", removed)
	}
	return removed
}

// staleFileAge is how old an orphaned lock or temp file must be before the
// janitor removes it.
const staleFileAge = time.Minute

func (d *Disk) sweepLocks() {
	entries, err := os.ReadDir(d.lockDir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".lock")
		kind, encoded, ok := strings.Cut(name, "-")
		if !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.kindDir(Kind(kind)), encoded+recordSuffix)); err == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < staleFileAge {
			continue
		}
		_ = os.Remove(filepath.Join(d.lockDir, entry.Name()))
	}
}

func (d *Disk) sweepTemp() {
	entries, err := os.ReadDir(d.tmpDir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < staleFileAge {
			continue
		}
		_ = os.Remove(filepath.Join(d.tmpDir, entry.Name()))
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
