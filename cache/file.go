package cache

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const fileSuffix = ".cache"

// fileBackend locks within one process only. A daemon and a local CLI run
// writing the same key race, and the last rename wins.
type fileBackend struct {
	dir      string
	ttl      time.Duration
	maxBytes int64
	now      func() time.Time

	mu sync.RWMutex
}

var _ Backend = (*fileBackend)(nil)

// FileOption customizes the local file backend.
type FileOption func(*fileBackend)

// WithClock replaces time.Now when checking expiry.
func WithClock(now func() time.Time) FileOption {
	return func(b *fileBackend) { b.now = now }
}

// WithMaxBytes caps the total size of the directory. Oldest entries are
// removed first.
func WithMaxBytes(n int64) FileOption {
	return func(b *fileBackend) { b.maxBytes = n }
}

// NewFile returns a backend keeping one file per key in dir. Entries older
// than ttl (by modification time) are treated as missing and removed when
// read; a ttl of zero disables expiry. The per-call ttl passed to Set is not
// used. Concurrent writers from several processes are not coordinated.
func NewFile(dir string, ttl time.Duration, opts ...FileOption) (Backend, error) {
	b := &fileBackend{dir: dir, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cache directory %s", dir)
	}
	check, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, errors.Wrapf(err, "cache directory %s is not writable", dir)
	}
	check.Close()
	os.Remove(check.Name())
	return b, nil
}

func fileName(key string) string {
	return url.QueryEscape(key) + fileSuffix
}

func (b *fileBackend) path(key string) string {
	return filepath.Join(b.dir, fileName(key))
}

func (b *fileBackend) Kind() Kind { return KindFile }

func (b *fileBackend) expired(info fs.FileInfo) bool {
	return b.ttl > 0 && b.now().Sub(info.ModTime()) > b.ttl
}

func (b *fileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p := b.path(key)
	b.mu.RLock()
	info, err := os.Stat(p)
	if err != nil {
		b.mu.RUnlock()
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "stat cache entry")
	}
	if !b.expired(info) {
		data, err := os.ReadFile(p)
		b.mu.RUnlock()
		if err != nil {
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, errors.Wrap(err, "reading cache entry")
		}
		return data, true, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	// a Set may have replaced the entry since the read lock was dropped
	info, err = os.Stat(p)
	if err != nil || !b.expired(info) {
		return nil, false, nil
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return nil, false, errors.Wrap(err, "removing expired cache entry")
	}
	return nil, false, nil
}

func (b *fileBackend) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating cache entry")
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "writing cache entry")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "writing cache entry")
	}
	if err := os.Rename(tmp.Name(), b.path(key)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "committing cache entry")
	}
	if b.maxBytes > 0 {
		return b.prune(fileName(key))
	}
	return nil
}

type fileEntry struct {
	name    string
	size    int64
	modTime time.Time
}

func (b *fileBackend) entries() ([]fileEntry, error) {
	dirents, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, errors.Wrap(err, "listing cache directory")
	}
	entries := make([]fileEntry, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileSuffix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, fileEntry{d.Name(), info.Size(), info.ModTime()})
	}
	return entries, nil
}

// prune removes the oldest entries until the directory fits maxBytes. The
// entry named keep, just written, is never removed. Called with mu held.
func (b *fileBackend) prune(keep string) error {
	entries, err := b.entries()
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= b.maxBytes {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })
	for _, e := range entries {
		if total <= b.maxBytes {
			break
		}
		if e.name == keep {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.name)); err == nil || os.IsNotExist(err) {
			total -= e.size
		}
	}
	return nil
}

func (b *fileBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "deleting cache entry")
	}
	return true, nil
}

func (b *fileBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.entries()
	if err != nil {
		return 0, err
	}
	escaped := url.QueryEscape(prefix)
	var n int
	for _, e := range entries {
		if !strings.HasPrefix(strings.TrimSuffix(e.name, fileSuffix), escaped) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.name)); err == nil {
			n++
		}
	}
	return n, nil
}

func (b *fileBackend) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.entries()
	if err != nil {
		return err
	}
	var errs error
	for _, e := range entries {
		if err := os.Remove(filepath.Join(b.dir, e.name)); err != nil && !os.IsNotExist(err) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (b *fileBackend) Close() error { return nil }
