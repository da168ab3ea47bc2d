package records

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/svcfields"
)

// DefaultRedisPrefix namespaces record keys.
const DefaultRedisPrefix = "bridged"

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Clock  clock.Clock
	Logger pslog.Logger
	// Prefix overrides the key namespace; the url query parameter "prefix"
	// takes precedence.
	Prefix string
}

// Redis stores each record under <prefix>:<kind>:<id> with a key expiry equal
// to the remaining record lifetime.
type Redis struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
	logger pslog.Logger
}

// NewRedis connects to the server in rawURL and verifies it with PING.
func NewRedis(ctx context.Context, rawURL string, cfg RedisConfig) (*Redis, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("records: parse redis url: %w", err)
	}
	prefix := cfg.Prefix
	if p := u.Query().Get("prefix"); p != "" {
		prefix = p
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	q := u.Query()
	q.Del("prefix")
	u.RawQuery = q.Encode()
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("records: redis options: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("records: connect to redis %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, RedisConfig{Clock: cfg.Clock, Logger: cfg.Logger, Prefix: prefix}), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		clock:  clock.Ensure(cfg.Clock),
		logger: svcfields.WithSubsystem(cfg.Logger, "bridged.records.redis"),
	}
}

func (r *Redis) key(kind Kind, id string) string {
	return r.prefix + ":" + string(kind) + ":" + id
}

func (r *Redis) Put(ctx context.Context, rec Record) error {
	payload, err := Encode(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(r.clock.Now())
	if rec.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, r.key(rec.Kind, rec.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("records: redis set %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	data, err := r.client.Get(ctx, r.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("records: redis get %s %s: %w", kind, id, err)
	}
	rec, err := Decode(data)
	if err != nil {
		r.logger.Warn("bridged.records.redis.corrupt", "kind", string(kind), "id", id, "error", err)
		_ = r.Delete(ctx, kind, id)
		return Record{}, ErrNotFound
	}
	if err := checkLive(rec, r.clock.Now()); err != nil {
		_ = r.Delete(ctx, kind, id)
		return Record{}, err
	}
	return rec, nil
}

func (r *Redis) Delete(ctx context.Context, kind Kind, id string) error {
	if err := r.client.Del(ctx, r.key(kind, id)).Err(); err != nil {
		return fmt.Errorf("records: redis del %s %s: %w", kind, id, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, kind Kind) ([]Record, error) {
	pattern := r.prefix + ":" + string(kind) + ":*"
	prefixLen := len(r.prefix) + len(kind) + 2
	var (
		cursor uint64
		out    []Record
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("records: redis scan %s: %w", kind, err)
		}
		for _, k := range keys {
			if len(k) <= prefixLen {
				continue
			}
			rec, err := r.Get(ctx, kind, k[prefixLen:])
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
