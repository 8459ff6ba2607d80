// Package cache provides the key/value store behind ddf's warm cache.
//
// # Backends
//
// A Backend is one of a closed set of variants selected by Kind:
//
//   - none: every operation is a miss or a no-op.
//   - pickle: one file per key in a local directory, expired lazily by mtime.
//   - memcached, memcached_pickle: memcached via gomemcache. Memcached cannot
//     enumerate keys, so these variants keep a key registry under
//     RegistryKey to support prefix invalidation.
//   - redis, redis_pickle: Redis via go-redis, prefix invalidation with SCAN.
//   - sqlite: a single SQLite file, useful when no server is available but
//     the directory scan of the pickle variant is too slow.
//
// The *_pickle variants and the local stores encode values with msgpack; the
// plain network variants use JSON so other tools can read what ddf stores.
// Backends deal in bytes only. GetValue and SetValue pick the codec of the
// backend actually in use.
//
// # Manager
//
// Manager is the single entry point used by the rest of ddf. It builds its
// backend lazily on first use, exactly once, and falls back to the local file
// backend (with a warning) when the configured remote store cannot be reached.
// The fallback lasts for the lifetime of the Manager. Every Manager operation
// is total: backend errors are logged and reported as a miss, false or zero.
//
//	mgr := cache.NewManager(cfg.Cache, log)
//	defer mgr.Close()
//
//	cache.SetValue(ctx, mgr, "yaml:hash", hash, 0)
//	if hash, ok := cache.GetValue[string](ctx, mgr, "yaml:hash"); ok {
//		...
//	}
//
// When the configuration disables caching every Manager operation short
// circuits before any backend is constructed.
package cache
