package cache

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// RegistryKey holds the set of keys written through a memcached backend.
	RegistryKey = "__cache_keys__"
	// RegistryTTL is how long the registry survives without writes.
	RegistryTTL = 7 * 24 * time.Hour

	maxMemcachedKey   = 250
	maxRelativeExpiry = 30 * 24 * time.Hour
	registryAttempts  = 3
)

// memcacheClient is the part of *memcache.Client the backend uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
	Delete(key string) error
	FlushAll() error
	Ping() error
}

type memcachedBackend struct {
	client   memcacheClient
	kind     Kind
	registry *keyRegistry
}

var _ Backend = (*memcachedBackend)(nil)

// NewMemcached connects to the given servers and pings them.
func NewMemcached(kind Kind, servers ...string) (Backend, error) {
	if len(servers) == 0 {
		return nil, errors.New("no memcached servers configured")
	}
	client := memcache.New(servers...)
	client.Timeout = DefaultDialTimeout
	client.MaxIdleConns = 4
	return newMemcached(kind, client)
}

func newMemcached(kind Kind, client memcacheClient) (Backend, error) {
	if kind != KindMemcached && kind != KindMemcachedPickle {
		return nil, errors.Newf("%s is not a memcached variant", kind)
	}
	if err := client.Ping(); err != nil {
		return nil, errors.Wrap(err, "connecting to memcached")
	}
	return &memcachedBackend{
		client:   client,
		kind:     kind,
		registry: &keyRegistry{client: client},
	}, nil
}

// memcachedKey maps keys memcached would reject (too long, whitespace or
// control bytes) onto a hashed form. The registry keeps the original key.
func memcachedKey(key string) string {
	if len(key) > 0 && len(key) <= maxMemcachedKey && !strings.ContainsFunc(key, func(r rune) bool {
		return r <= ' ' || r == 0x7f
	}) {
		return key
	}
	return "h:" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// expiration converts a ttl into memcached's expiry field. Values beyond 30
// days are read by memcached as a unix timestamp.
func expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiry {
		return int32(time.Now().Add(ttl).Unix())
	}
	secs := int32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

func (b *memcachedBackend) Kind() Kind { return b.kind }

func (b *memcachedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item, err := b.client.Get(memcachedKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

func (b *memcachedBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.client.Set(&memcache.Item{Key: memcachedKey(key), Value: value, Expiration: expiration(ttl)})
	if err != nil {
		return err
	}
	if key == RegistryKey {
		return nil
	}
	return b.registry.add(key)
}

func (b *memcachedBackend) Delete(ctx context.Context, key string) (bool, error) {
	err := b.client.Delete(memcachedKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return false, err
	}
	if key != RegistryKey {
		if rerr := b.registry.remove(key); rerr != nil {
			return err == nil, rerr
		}
	}
	return err == nil, nil
}

func (b *memcachedBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := b.registry.list()
	if err != nil {
		return 0, err
	}
	var (
		matched []string
		removed int
	)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		matched = append(matched, key)
		if err := b.client.Delete(memcachedKey(key)); err == nil {
			removed++
		} else if !errors.Is(err, memcache.ErrCacheMiss) {
			return removed, errors.Wrapf(err, "deleting %s", key)
		}
	}
	if len(matched) > 0 {
		if err := b.registry.remove(matched...); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (b *memcachedBackend) Flush(ctx context.Context) error {
	return b.client.FlushAll()
}

func (b *memcachedBackend) Close() error { return nil }

// keyRegistry is the set of keys stored through the backend, kept in
// memcached itself so every process sees the same set. Updates use
// compare-and-swap so concurrent writers from other processes are not lost.
type keyRegistry struct {
	client memcacheClient
	mu     sync.Mutex
}

func decodeRegistry(data []byte) (map[string]struct{}, error) {
	var keys []string
	if err := msgpack.Unmarshal(data, &keys); err != nil {
		return nil, errors.Wrap(err, "decoding key registry")
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

func encodeRegistry(set map[string]struct{}) ([]byte, error) {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return msgpack.Marshal(keys)
}

func (r *keyRegistry) list() ([]string, error) {
	item, err := r.client.Get(RegistryKey)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading key registry")
	}
	set, err := decodeRegistry(item.Value)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (r *keyRegistry) add(key string) error {
	return r.update(func(set map[string]struct{}) bool {
		if _, ok := set[key]; ok {
			return false
		}
		set[key] = struct{}{}
		return true
	})
}

func (r *keyRegistry) remove(keys ...string) error {
	return r.update(func(set map[string]struct{}) bool {
		changed := false
		for _, k := range keys {
			if _, ok := set[k]; ok {
				delete(set, k)
				changed = true
			}
		}
		return changed
	})
}

// update applies fn to the registry. fn reports whether it changed the set.
func (r *keyRegistry) update(fn func(map[string]struct{}) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for attempt := 0; attempt < registryAttempts; attempt++ {
		item, err := r.client.Get(RegistryKey)
		switch {
		case errors.Is(err, memcache.ErrCacheMiss):
			set := map[string]struct{}{}
			if !fn(set) {
				return nil
			}
			data, err := encodeRegistry(set)
			if err != nil {
				return err
			}
			err = r.client.Add(&memcache.Item{Key: RegistryKey, Value: data, Expiration: expiration(RegistryTTL)})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			return errors.Wrap(err, "creating key registry")
		case err != nil:
			return errors.Wrap(err, "reading key registry")
		}
		set, err := decodeRegistry(item.Value)
		if err != nil {
			// unreadable registry, start a new one
			set = map[string]struct{}{}
		}
		if !fn(set) && err == nil {
			return nil
		}
		data, err := encodeRegistry(set)
		if err != nil {
			return err
		}
		item.Value = data
		item.Expiration = expiration(RegistryTTL)
		err = r.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return errors.Wrap(err, "updating key registry")
	}
	return errors.Newf("key registry still contended after %d attempts", registryAttempts)
}
