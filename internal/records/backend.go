package records

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
)

// Backend persists records.
type Backend interface {
	// Put creates or replaces a record.
	Put(ctx context.Context, rec Record) error
	// Get returns ErrNotFound or ErrExpired when the record is unusable.
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	// Delete removes a record; deleting a missing record is not an error.
	Delete(ctx context.Context, kind Kind, id string) error
	// List returns every live record of kind. Expired records are removed.
	List(ctx context.Context, kind Kind) ([]Record, error)
	Close() error
}

// RemovalNotifier is implemented by backends that observe deletions made by
// other processes.
type RemovalNotifier interface {
	OnRemoved(fn func(kind Kind, id string))
}

// Options configure Open.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
	// JanitorInterval is how often expired records are swept. Zero selects
	// DefaultJanitorInterval; negative disables the sweep.
	JanitorInterval time.Duration
	// Watch enables filesystem notifications on the disk backend.
	Watch bool
}

// DefaultJanitorInterval is the expired record sweep interval.
const DefaultJanitorInterval = 5 * time.Minute

// Open selects a backend by URL: mem://, disk:///path (or a bare path) and
// redis://[:password@]host:port/db.
func Open(ctx context.Context, rawURL string, opts Options) (Backend, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("records: backend url required")
	}
	if !strings.Contains(rawURL, "://") {
		return NewDisk(DiskConfig{Root: rawURL, Clock: opts.Clock, Logger: opts.Logger, JanitorInterval: opts.JanitorInterval, Watch: opts.Watch})
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("records: parse backend url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory":
		return NewMemory(opts.Clock), nil
	case "disk", "file":
		root := u.Path
		if u.Host != "" {
			root = filepath.Join(u.Host, u.Path)
		}
		return NewDisk(DiskConfig{Root: root, Clock: opts.Clock, Logger: opts.Logger, JanitorInterval: opts.JanitorInterval, Watch: opts.Watch})
	case "redis", "rediss":
		return NewRedis(ctx, rawURL, RedisConfig{Clock: opts.Clock, Logger: opts.Logger})
	default:
		return nil, fmt.Errorf("records: unsupported backend scheme %q", u.Scheme)
	}
}

// checkLive returns ErrExpired for a record past its lifetime; the caller
// deletes it.
func checkLive(rec Record, now time.Time) error {
	if rec.Expired(now) {
		return ErrExpired
	}
	return nil
}

// OwnedBy filters statement records by owning connection id.
func OwnedBy(recs []Record, connectionID string) []Record {
	var out []Record
	for _, r := range recs {
		if r.Owner == connectionID {
			out = append(out, r)
		}
	}
	return out
}
