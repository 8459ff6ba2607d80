package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind names a backend variant. The string values are the ones accepted in
// configuration.
type Kind string

const (
	KindNone            Kind = "none"
	KindFile            Kind = "pickle"
	KindMemcached       Kind = "memcached"
	KindMemcachedPickle Kind = "memcached_pickle"
	KindRedis           Kind = "redis"
	KindRedisPickle     Kind = "redis_pickle"
	KindSQLite          Kind = "sqlite"
)

// Kinds lists every supported variant.
var Kinds = []Kind{KindNone, KindFile, KindMemcached, KindMemcachedPickle, KindRedis, KindRedisPickle, KindSQLite}

// ErrUnknownKind is returned by ParseKind.
var ErrUnknownKind = errors.New("unknown cache backend")

// ParseKind maps a configuration value onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "file", "local":
		return KindFile, nil
	case "":
		return KindRedis, nil
	default:
		for _, known := range Kinds {
			if k == known {
				return k, nil
			}
		}
		return KindNone, errors.Wrapf(ErrUnknownKind, "%q", s)
	}
}

// Remote reports whether the variant talks to a server over the network.
func (k Kind) Remote() bool {
	switch k {
	case KindMemcached, KindMemcachedPickle, KindRedis, KindRedisPickle:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Backend is a byte oriented key/value store. Implementations report failures
// as errors; Manager turns them into misses. A ttl of zero or less means the
// entry does not expire, unless the variant documents otherwise.
type Backend interface {
	Kind() Kind
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete reports whether an entry was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// InvalidatePrefix removes every entry whose key starts with prefix and
	// returns how many were removed.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
	Flush(ctx context.Context) error
	Close() error
}

const (
	// DefaultQueryTimeout bounds a single call to a remote store.
	DefaultQueryTimeout = 2 * time.Second
	// DefaultDialTimeout bounds connecting to a remote store.
	DefaultDialTimeout = time.Second
)

func queryCtx(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(parent, timeout)
}

type noneBackend struct{}

var _ Backend = noneBackend{}

// NewNone returns the backend that stores nothing.
func NewNone() Backend { return noneBackend{} }

func (noneBackend) Kind() Kind { return KindNone }
func (noneBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (noneBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noneBackend) Delete(context.Context, string) (bool, error)             { return false, nil }
func (noneBackend) InvalidatePrefix(context.Context, string) (int, error)    { return 0, nil }
func (noneBackend) Flush(context.Context) error                              { return nil }
func (noneBackend) Close() error                                             { return nil }
