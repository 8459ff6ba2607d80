// Package memoize caches the results of expensive operations in the shared
// cache and throws them away when the tracked manifest changes.
//
// Staleness is tracked globally, not per key: a validation callback compares
// the manifest fingerprint on disk with the last one the cache saw, and any
// mismatch makes every memoized call miss until the new fingerprint has been
// recorded. Keys are derived from the current fingerprint as well, so entries
// computed for an older manifest are never read back.
package memoize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cumulus13/ddf/cache"
	"github.com/cumulus13/ddf/fingerprint"
	"github.com/cumulus13/ddf/logger"
	"golang.org/x/sync/singleflight"
)

// KeyPrefix namespaces every memoized entry so they can be invalidated
// together.
const KeyPrefix = "memo:"

// Kwargs carries named arguments. Passed among the positional arguments of a
// wrapped call, its primitive values are folded into the key sorted by name.
type Kwargs map[string]any

// Func is the shape of a memoizable operation.
type Func[R any] func(ctx context.Context, args ...any) (R, error)

// Validation decides whether cached results may be used for a call.
type Validation func(ctx context.Context, args ...any) fingerprint.Comparison

// AlwaysValid is a Validation for plain memoization without staleness checks.
func AlwaysValid(context.Context, ...any) fingerprint.Comparison {
	return fingerprint.Comparison{Match: true}
}

type options struct {
	prefix   string
	ttl      time.Duration
	validate Validation
}

type Option func(*options)

// WithPrefix replaces the fingerprint as the first key component.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTTL sets the lifetime of stored results and of the fingerprint written
// on a mismatch. Zero uses the cache's default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithValidation sets the staleness check. Without one every call recomputes.
func WithValidation(v Validation) Option {
	return func(o *options) { o.validate = v }
}

// Memoizer holds what wrapped operations share. The fingerprint store is
// consulted for the key only when the validation callback does not report a
// current fingerprint; it may be nil.
type Memoizer struct {
	cache *cache.Manager
	fp    *fingerprint.Store
	log   logger.Logger
	group singleflight.Group
}

func New(mgr *cache.Manager, fp *fingerprint.Store, log logger.Logger) *Memoizer {
	return &Memoizer{cache: mgr, fp: fp, log: log.WithPrefix("[memoize]")}
}

// Invalidate drops every memoized entry and the last known fingerprint.
func (m *Memoizer) Invalidate(ctx context.Context) int {
	return m.cache.InvalidatePrefix(ctx, KeyPrefix) + m.cache.InvalidatePrefix(ctx, fingerprint.HashPrefix)
}

// Key derives the cache key for a call. The first component is prefix, else
// the current fingerprint, else name; then name, then primitive positional
// arguments in order, then primitive keyword arguments sorted by name.
func Key(prefix, fp, name string, args ...any) string {
	first := prefix
	if first == "" {
		first = fp
	}
	if first == "" {
		first = name
	}
	parts := []string{first, name}
	var kwargs []string
	for _, arg := range args {
		if kw, ok := arg.(Kwargs); ok {
			for k, v := range kw {
				if s, ok := primitive(v); ok {
					kwargs = append(kwargs, k+"="+s)
				}
			}
			continue
		}
		if s, ok := primitive(arg); ok {
			parts = append(parts, s)
		}
	}
	sort.Strings(kwargs)
	parts = append(parts, kwargs...)
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

func primitive(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	}
	return "", false
}

// Wrap returns fn memoized under name. Errors from fn are returned and not
// cached; concurrent misses on the same key share one call to fn.
func Wrap[R any](m *Memoizer, name string, fn Func[R], opts ...Option) Func[R] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(ctx context.Context, args ...any) (R, error) {
		var (
			valid   bool
			current string
		)
		if o.validate != nil {
			cmp := o.validate(ctx, args...)
			valid = cmp.Match
			current = cmp.Current
			if !cmp.Match {
				m.log.Debug("%s: fingerprint changed (%q -> %q), recomputing", name, short(cmp.Cached), short(cmp.Current))
				m.cache.Delete(ctx, fingerprint.HashKey)
				cache.SetValue(ctx, m.cache, fingerprint.HashKey, cmp.Current, o.ttl)
			}
		}

		if current == "" && o.prefix == "" && m.fp != nil {
			current = m.fp.Current()
		}
		key := Key(o.prefix, current, name, args...)

		if valid {
			if v, ok := cache.GetValue[R](ctx, m.cache, key); ok {
				m.log.Trace("%s: hit %s", name, key)
				return v, nil
			}
		}

		res, err, _ := m.group.Do(key, func() (any, error) {
			v, err := fn(ctx, args...)
			if err != nil {
				return v, err
			}
			cache.SetValue(ctx, m.cache, key, v, o.ttl)
			return v, nil
		})
		v, _ := res.(R)
		return v, err
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
