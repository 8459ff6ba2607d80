package cache

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) config.Cache {
	cfg := config.Default().Cache
	cfg.Backend = backend
	cfg.LocalDir = t.TempDir()
	cfg.TTL = config.Duration(time.Minute)
	return cfg
}

// errBackend fails every call.
type errBackend struct {
	kind  Kind
	calls atomic.Int32
}

var errStore = errors.New("store down")

func (b *errBackend) Kind() Kind { return b.kind }
func (b *errBackend) Get(context.Context, string) ([]byte, bool, error) {
	b.calls.Add(1)
	return nil, false, errStore
}
func (b *errBackend) Set(context.Context, string, []byte, time.Duration) error {
	b.calls.Add(1)
	return errStore
}
func (b *errBackend) Delete(context.Context, string) (bool, error) {
	b.calls.Add(1)
	return false, errStore
}
func (b *errBackend) InvalidatePrefix(context.Context, string) (int, error) {
	b.calls.Add(1)
	return 0, errStore
}
func (b *errBackend) Flush(context.Context) error { b.calls.Add(1); return errStore }
func (b *errBackend) Close() error                { return errStore }

func TestManagerFallsBackToFile(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	var attempts []Kind
	m := NewManager(testConfig(t, "redis"), log, WithFactory(func(ctx context.Context, kind Kind, cfg config.Cache) (Backend, error) {
		attempts = append(attempts, kind)
		if kind == KindRedis {
			return nil, errors.New("connection refused")
		}
		return DefaultFactory(ctx, kind, cfg)
	}))
	defer m.Close()

	assert.True(t, SetValue(ctx, m, "k", "v", 0))
	v, ok := GetValue[string](ctx, m, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Equal(t, KindFile, m.Kind())
	assert.True(t, m.FellBack())
	assert.Equal(t, []Kind{KindRedis, KindFile}, attempts)
	assert.Equal(t, 1, log.Count("WARNING", "falling back to the local file cache"))
	assert.Equal(t, Structured, m.Codec())
}

func TestManagerUnknownBackendUsesFile(t *testing.T) {
	log := logger.NewTestLogger()
	m := NewManager(testConfig(t, "cassandra"), log)
	defer m.Close()
	assert.Equal(t, KindFile, m.Kind())
	assert.True(t, m.FellBack())
}

func TestManagerFileFailureDisablesCaching(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	m := NewManager(testConfig(t, "redis"), log, WithFactory(func(context.Context, Kind, config.Cache) (Backend, error) {
		return nil, errors.New("nope")
	}))
	assert.False(t, m.Set(ctx, "k", []byte("v"), 0))
	assert.Equal(t, KindNone, m.Kind())
	assert.Equal(t, 1, log.Count("ERROR", "caching disabled"))
}

func TestManagerDisabledNeverBuildsBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "redis")
	cfg.Enabled = false
	var built atomic.Int32
	m := NewManager(cfg, logger.NewTestLogger(), WithFactory(func(context.Context, Kind, config.Cache) (Backend, error) {
		built.Add(1)
		return NewNone(), nil
	}))

	assert.False(t, m.Set(ctx, "k", []byte("v"), 0))
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, m.Delete(ctx, "k"))
	assert.Zero(t, m.InvalidatePrefix(ctx, "k"))
	assert.False(t, m.Flush(ctx))
	assert.False(t, m.RoundTrip(ctx))
	assert.Equal(t, KindNone, m.Kind())
	assert.Equal(t, Text, m.Codec())
	assert.Zero(t, built.Load())
	assert.NoError(t, m.Close())
}

func TestManagerBuildsBackendOnce(t *testing.T) {
	ctx := context.Background()
	var built atomic.Int32
	m := NewManager(testConfig(t, "pickle"), logger.NewTestLogger(), WithFactory(func(ctx context.Context, kind Kind, cfg config.Cache) (Backend, error) {
		built.Add(1)
		time.Sleep(10 * time.Millisecond)
		return DefaultFactory(ctx, kind, cfg)
	}))
	defer m.Close()

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Set(ctx, "k", []byte{byte(i)}, 0)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), built.Load())
}

func TestManagerErrorsBecomeMisses(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	backend := &errBackend{kind: KindFile}
	m := NewManager(testConfig(t, "pickle"), log, WithFactory(func(context.Context, Kind, config.Cache) (Backend, error) {
		return backend, nil
	}))

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, m.Set(ctx, "k", []byte("v"), 0))
	assert.False(t, m.Delete(ctx, "k"))
	assert.Zero(t, m.InvalidatePrefix(ctx, "k"))
	assert.False(t, m.Flush(ctx))
	assert.Equal(t, 5, log.Count("WARNING", "store down"))
	assert.Error(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestManagerBreakerShortCircuitsRemote(t *testing.T) {
	ctx := context.Background()
	backend := &errBackend{kind: KindRedis}
	m := NewManager(testConfig(t, "redis"), logger.NewTestLogger(),
		WithBreaker(resilience.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour}),
		WithFactory(func(context.Context, Kind, config.Cache) (Backend, error) {
			return backend, nil
		}))

	for range 10 {
		_, ok := m.Get(ctx, "k")
		assert.False(t, ok)
	}
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestManagerRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "redis")
	host, port, err := splitAddr(mr.Addr())
	require.NoError(t, err)
	cfg.RedisHost, cfg.RedisPort = host, port
	m := NewManager(cfg, logger.NewTestLogger())
	defer m.Close()

	assert.True(t, m.RoundTrip(ctx))
	assert.False(t, mr.Exists(HealthCheckKey))
	assert.Equal(t, KindRedis, m.Kind())
	assert.False(t, m.FellBack())

	assert.True(t, SetValue(ctx, m, "yaml:hash", "abc", 0))
	raw, err := mr.Get("yaml:hash")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, raw, "plain redis stores text safe values")
	assert.Equal(t, time.Minute, mr.TTL("yaml:hash"))
}

func TestManagerFlushAndInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(t, "pickle"), logger.NewTestLogger())
	defer m.Close()

	assert.True(t, m.Set(ctx, "yaml:hash", []byte("1"), 0))
	assert.True(t, m.Set(ctx, "memo:a", []byte("2"), 0))
	assert.Equal(t, 1, m.InvalidatePrefix(ctx, "yaml:"))
	assert.Equal(t, 0, m.InvalidatePrefix(ctx, "yaml:"))
	assert.True(t, m.Flush(ctx))
	_, ok := m.Get(ctx, "memo:a")
	assert.False(t, ok)
}

func TestManagerClosedIsNone(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(t, "pickle"), logger.NewTestLogger())
	assert.True(t, m.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Close())
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, KindNone, m.Kind())
}

func TestGetValueUndecodable(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	m := NewManager(testConfig(t, "pickle"), log)
	defer m.Close()
	assert.True(t, m.Set(ctx, "k", []byte{0xc1}, 0))
	_, ok := GetValue[string](ctx, m, "k")
	assert.False(t, ok)
	assert.Equal(t, 1, log.Count("WARNING", "undecodable"))
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"redis":            KindRedis,
		"REDIS_PICKLE":     KindRedisPickle,
		"memcached":        KindMemcached,
		"memcached_pickle": KindMemcachedPickle,
		"pickle":           KindFile,
		"file":             KindFile,
		"none":             KindNone,
		"sqlite":           KindSQLite,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("cassandra")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.True(t, KindRedis.Remote())
	assert.False(t, KindFile.Remote())
}

func TestCodecFor(t *testing.T) {
	assert.Equal(t, "json", CodecFor(KindRedis).Name())
	assert.Equal(t, "json", CodecFor(KindMemcached).Name())
	assert.Equal(t, "msgpack", CodecFor(KindRedisPickle).Name())
	assert.Equal(t, "msgpack", CodecFor(KindFile).Name())
}

func splitAddr(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	return host, port, err
}
