package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns values into the bytes a Backend stores.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	// Structured is the general purpose binary codec.
	Structured Codec = msgpackCodec{}
	// Text is the text safe codec.
	Text Codec = jsonCodec{}
)

// CodecFor returns the codec a variant stores values with.
func CodecFor(kind Kind) Codec {
	switch kind {
	case KindFile, KindMemcachedPickle, KindRedisPickle, KindSQLite:
		return Structured
	default:
		return Text
	}
}

// GetValue reads key and decodes it with the codec of the backend in use. A
// value that does not decode is logged and treated as a miss.
func GetValue[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var zero T
	data, ok := m.Get(ctx, key)
	if !ok {
		return zero, false
	}
	var v T
	codec := m.Codec()
	if err := codec.Unmarshal(data, &v); err != nil {
		m.log.Warn("discarding undecodable %s value for %s: %s", codec.Name(), key, err)
		return zero, false
	}
	return v, true
}

// SetValue encodes v with the codec of the backend in use and stores it.
func SetValue[T any](ctx context.Context, m *Manager, key string, v T, ttl time.Duration) bool {
	codec := m.Codec()
	data, err := codec.Marshal(v)
	if err != nil {
		m.log.Warn("cannot encode value for %s with %s: %s", key, codec.Name(), err)
		return false
	}
	return m.Set(ctx, key, data, ttl)
}
