package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/resilience"
)

const (
	// HealthCheckKey is written, read back and deleted by RoundTrip.
	HealthCheckKey = "__health_check__"
	healthCheckTTL = 10 * time.Second
	sqliteSweep    = time.Minute
)

// Factory builds the backend for a kind. DefaultFactory is used unless a
// Manager is given another one.
type Factory func(ctx context.Context, kind Kind, cfg config.Cache) (Backend, error)

// DefaultFactory constructs the real backend for kind.
func DefaultFactory(ctx context.Context, kind Kind, cfg config.Cache) (Backend, error) {
	switch kind {
	case KindNone:
		return NewNone(), nil
	case KindFile:
		maxBytes, err := cfg.LocalMaxBytes()
		if err != nil {
			return nil, err
		}
		return NewFile(cfg.LocalDir, cfg.TTL.Std(), WithMaxBytes(maxBytes))
	case KindRedis, KindRedisPickle:
		return NewRedis(ctx, kind, RedisOptions(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB))
	case KindMemcached, KindMemcachedPickle:
		return NewMemcached(kind, cfg.MemcachedServers...)
	case KindSQLite:
		return NewSQLite(ctx, cfg.SQLitePath, sqliteSweep)
	}
	return nil, errors.Wrapf(ErrUnknownKind, "%q", kind)
}

// Manager owns the process's single backend. Construct one per process and
// pass it to whatever needs the cache.
type Manager struct {
	cfg     config.Cache
	log     logger.Logger
	factory Factory
	breaker *resilience.CircuitBreaker

	mu       sync.Mutex
	backend  atomic.Pointer[Backend]
	fellBack atomic.Bool
	closed   bool
}

type ManagerOption func(*Manager)

// WithFactory replaces DefaultFactory.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithBreaker configures the circuit breaker guarding remote backends.
func WithBreaker(c resilience.BreakerConfig) ManagerOption {
	return func(m *Manager) { m.breaker = resilience.NewCircuitBreaker(c) }
}

// NewManager returns a Manager for cfg. No connection is made until the cache
// is first used.
func NewManager(cfg config.Cache, log logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     log.WithPrefix("[cache]"),
		factory: DefaultFactory,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker == nil {
		bc := resilience.DefaultBreakerConfig()
		bc.OnStateChange = func(from, to resilience.State) {
			m.log.Warn("remote cache circuit %s -> %s", from, to)
		}
		m.breaker = resilience.NewCircuitBreaker(bc)
	}
	return m
}

// Enabled reports whether caching is switched on.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// TTL is the configured default time to live.
func (m *Manager) TTL() time.Duration { return m.cfg.TTL.Std() }

// client returns the backend, building it on first use.
func (m *Manager) client(ctx context.Context) Backend {
	if b := m.backend.Load(); b != nil {
		return *b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.backend.Load(); b != nil {
		return *b
	}
	b := m.build(ctx)
	m.backend.Store(&b)
	return b
}

// build is called once, with mu held.
func (m *Manager) build(ctx context.Context) Backend {
	if m.closed {
		return NewNone()
	}
	kind, err := ParseKind(m.cfg.Backend)
	if err != nil {
		m.log.Warn("%s, using the local file cache", err)
		kind = KindFile
		m.fellBack.Store(true)
	}
	b, err := m.factory(ctx, kind, m.cfg)
	if err == nil {
		m.log.Debug("using %s backend (%s)", kind, m.cfg)
		return b
	}
	if kind == KindFile || kind == KindNone {
		m.log.Error("cache backend %s unavailable, caching disabled: %s", kind, err)
		return NewNone()
	}
	m.log.Warn("cache backend %s unavailable, falling back to the local file cache: %s", kind, err)
	m.fellBack.Store(true)
	b, err = m.factory(ctx, KindFile, m.cfg)
	if err != nil {
		m.log.Error("local file cache unavailable, caching disabled: %s", err)
		return NewNone()
	}
	return b
}

// Kind returns the variant actually in use, which differs from the configured
// one after a fallback.
func (m *Manager) Kind() Kind {
	if !m.cfg.Enabled {
		return KindNone
	}
	return m.client(context.Background()).Kind()
}

// FellBack reports whether the configured backend was replaced.
func (m *Manager) FellBack() bool { return m.fellBack.Load() }

// Codec returns the codec of the backend in use.
func (m *Manager) Codec() Codec {
	if !m.cfg.Enabled {
		kind, _ := ParseKind(m.cfg.Backend)
		return CodecFor(kind)
	}
	return CodecFor(m.client(context.Background()).Kind())
}

func (m *Manager) call(ctx context.Context, op, key string, fn func(ctx context.Context, b Backend) error) bool {
	b := m.client(ctx)
	var err error
	if b.Kind().Remote() {
		err = m.breaker.Execute(ctx, func(ctx context.Context) error { return fn(ctx, b) })
	} else {
		err = fn(ctx, b)
	}
	if err == nil {
		return true
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		m.log.Debug("cache %s %s skipped: %s", op, key, err)
	} else {
		m.log.Warn("cache %s %s failed: %s", op, key, err)
	}
	return false
}

// Get returns the stored bytes for key.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if !m.cfg.Enabled {
		return nil, false
	}
	var (
		value []byte
		found bool
	)
	ok := m.call(ctx, "get", key, func(ctx context.Context, b Backend) error {
		var err error
		value, found, err = b.Get(ctx, key)
		return err
	})
	if !ok || !found {
		return nil, false
	}
	return value, true
}

// Set stores value under key. A ttl of zero or less uses the configured TTL.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if !m.cfg.Enabled {
		return false
	}
	if ttl <= 0 {
		ttl = m.cfg.TTL.Std()
	}
	return m.call(ctx, "set", key, func(ctx context.Context, b Backend) error {
		return b.Set(ctx, key, value, ttl)
	})
}

// Delete removes key and reports whether something was removed.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	if !m.cfg.Enabled {
		return false
	}
	var deleted bool
	ok := m.call(ctx, "delete", key, func(ctx context.Context, b Backend) error {
		var err error
		deleted, err = b.Delete(ctx, key)
		return err
	})
	return ok && deleted
}

// InvalidatePrefix removes every key starting with prefix and returns the
// number removed.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) int {
	if !m.cfg.Enabled {
		return 0
	}
	var n int
	m.call(ctx, "invalidate", prefix+"*", func(ctx context.Context, b Backend) error {
		var err error
		n, err = b.InvalidatePrefix(ctx, prefix)
		return err
	})
	if n > 0 {
		m.log.Debug("invalidated %d entries with prefix %q", n, prefix)
	}
	return n
}

// Flush removes every entry.
func (m *Manager) Flush(ctx context.Context) bool {
	if !m.cfg.Enabled {
		return false
	}
	return m.call(ctx, "flush", "*", func(ctx context.Context, b Backend) error {
		return b.Flush(ctx)
	})
}

// RoundTrip writes, reads back and deletes a sentinel value. It is the cache
// part of the daemon health check.
func (m *Manager) RoundTrip(ctx context.Context) bool {
	if !SetValue(ctx, m, HealthCheckKey, "ok", healthCheckTTL) {
		return false
	}
	v, ok := GetValue[string](ctx, m, HealthCheckKey)
	m.Delete(ctx, HealthCheckKey)
	return ok && v == "ok"
}

// Close releases the backend. Later operations behave as the none backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	none := NewNone()
	prev := m.backend.Swap(&none)
	if prev == nil {
		return nil
	}
	if err := (*prev).Close(); err != nil {
		m.log.Debug("closing %s backend: %s", (*prev).Kind(), err)
		return errors.Wrapf(err, "closing %s backend", (*prev).Kind())
	}
	return nil
}
