package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 500

type redisBackend struct {
	client       *redis.Client
	kind         Kind
	queryTimeout time.Duration
}

var _ Backend = (*redisBackend)(nil)

// RedisOptions returns client options with the dial and read timeouts ddf uses.
func RedisOptions(addr, password string, db int) *redis.Options {
	return &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultQueryTimeout,
		WriteTimeout: DefaultQueryTimeout,
		MaxRetries:   1,
	}
}

// NewRedis connects to Redis and verifies the connection with PING. The
// returned backend owns the client and closes it on Close.
func NewRedis(ctx context.Context, kind Kind, opts *redis.Options) (Backend, error) {
	if kind != KindRedis && kind != KindRedisPickle {
		return nil, errors.Newf("%s is not a redis variant", kind)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout+DefaultQueryTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", opts.Addr)
	}
	return &redisBackend{client: client, kind: kind, queryTimeout: opts.ReadTimeout}, nil
}

func (b *redisBackend) Kind() Kind { return b.kind }

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := queryCtx(ctx, b.queryTimeout)
	defer cancel()
	data, err := b.client.Get(qctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	qctx, cancel := queryCtx(ctx, b.queryTimeout)
	defer cancel()
	return b.client.Set(qctx, key, value, ttl).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := queryCtx(ctx, b.queryTimeout)
	defer cancel()
	n, err := b.client.Del(qctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (b *redisBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := globEscaper.Replace(prefix) + "*"
	var (
		cursor  uint64
		removed int64
	)
	for {
		qctx, cancel := queryCtx(ctx, b.queryTimeout)
		keys, next, err := b.client.Scan(qctx, cursor, pattern, scanBatch).Result()
		if err == nil && len(keys) > 0 {
			var n int64
			n, err = b.client.Del(qctx, keys...).Result()
			removed += n
		}
		cancel()
		if err != nil {
			return int(removed), errors.Wrapf(err, "invalidating prefix %q", prefix)
		}
		cursor = next
		if cursor == 0 {
			return int(removed), nil
		}
	}
}

func (b *redisBackend) Flush(ctx context.Context) error {
	qctx, cancel := queryCtx(ctx, b.queryTimeout)
	defer cancel()
	return b.client.FlushDB(qctx).Err()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
