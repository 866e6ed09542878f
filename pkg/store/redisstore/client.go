// Package redisstore implements the store contract on Redis. Counter and
// health mutations run as server-side Lua scripts so a read-modify-write of
// the JSON-encoded account happens in one invocation; hot collections are
// mirrored in memory with a short TTL, and the mirror becomes the
// authoritative read source while the connection is down, with writes
// deferred to the write queue and replayed on reconnect.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/saturn/pkg/store/writequeue"
)

// Config selects and authenticates the Redis backend.
type Config struct {
	// URL, when set, wins over Host/Port/Password/DB.
	URL string

	Host     string
	Port     int
	Password string
	DB       int

	// KeyPrefix defaults to "aiclient:".
	KeyPrefix string

	// MirrorTTL is how long mirror entries stay fresh while connected.
	MirrorTTL time.Duration

	// PingInterval is the connection monitor cadence.
	PingInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.KeyPrefix == "" {
		out.KeyPrefix = "aiclient:"
	}
	if out.MirrorTTL <= 0 {
		out.MirrorTTL = 5 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 2 * time.Second
	}
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Port == 0 {
		out.Port = 6379
	}
	return out
}

// Store is the Redis-backed storage adapter.
type Store struct {
	rdb    *redis.Client
	cfg    Config
	queue  *writequeue.Queue
	logger *slog.Logger

	connected atomic.Bool

	mirror   map[string]mirrorEntry
	mirrorMu sync.RWMutex

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

type mirrorEntry struct {
	value any
	at    time.Time
}

// Open connects to Redis and verifies reachability with a ping. The returned
// store starts its connection monitor immediately.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redisstore: invalid url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping failed: %w", err)
	}

	s := &Store{
		rdb:         rdb,
		cfg:         cfg,
		queue:       writequeue.New(),
		logger:      slog.Default().With("component", "store.redis"),
		mirror:      make(map[string]mirrorEntry),
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	s.connected.Store(true)

	go s.monitor()
	return s, nil
}

// key prefixes a store key with the configured namespace.
func (s *Store) key(parts ...string) string {
	k := s.cfg.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Healthy reports whether the connection monitor currently sees Redis.
func (s *Store) Healthy() bool {
	return s.connected.Load()
}

// Queue exposes the write queue for observability.
func (s *Store) Queue() *writequeue.Queue {
	return s.queue
}

// Close stops the monitor and closes the client.
func (s *Store) Close() error {
	close(s.stopMonitor)
	<-s.monitorDone
	return s.rdb.Close()
}

// monitor pings Redis on a fixed cadence, flips the connected flag, and
// replays the write queue after a reconnect.
func (s *Store) monitor() {
	defer close(s.monitorDone)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMonitor:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingInterval)
			err := s.rdb.Ping(ctx).Err()
			cancel()

			was := s.connected.Load()
			now := err == nil
			if was == now {
				continue
			}
			s.connected.Store(now)

			if !now {
				s.logger.Warn("redis connection lost, serving reads from mirror and queueing writes", "error", err)
				continue
			}

			s.logger.Info("redis connection restored, replaying write queue", "depth", s.queue.Len())
			replayCtx, cancelReplay := context.WithTimeout(context.Background(), time.Minute)
			if err := s.queue.Replay(replayCtx, s.rdb); err != nil {
				s.logger.Error("write queue replay interrupted", "error", err)
			}
			cancelReplay()
			s.invalidateMirror("")
		}
	}
}

// mirrorGet returns a mirrored value when it is still authoritative: within
// the TTL while connected, or unconditionally while disconnected.
func (s *Store) mirrorGet(key string) (any, bool) {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	e, ok := s.mirror[key]
	if !ok {
		return nil, false
	}
	if s.connected.Load() && time.Since(e.at) > s.cfg.MirrorTTL {
		return nil, false
	}
	return e.value, true
}

func (s *Store) mirrorSet(key string, value any) {
	s.mirrorMu.Lock()
	s.mirror[key] = mirrorEntry{value: value, at: time.Now()}
	s.mirrorMu.Unlock()
}

// invalidateMirror removes one key, or the whole mirror when key is empty.
func (s *Store) invalidateMirror(key string) {
	s.mirrorMu.Lock()
	if key == "" {
		s.mirror = make(map[string]mirrorEntry)
	} else {
		delete(s.mirror, key)
	}
	s.mirrorMu.Unlock()
}

// deferWrite queues a write for replay and logs the deferral.
func (s *Store) deferWrite(description string, op writequeue.Operation) {
	s.queue.Push(op, description)
	s.logger.Debug("write deferred to queue", "description", description, "depth", s.queue.Len())
}
