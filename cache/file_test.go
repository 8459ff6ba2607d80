package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := NewFile(t.TempDir(), 0)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, KindFile, b.Kind())
	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "yaml:hash", []byte("abc"), time.Minute))
	v, ok, err := b.Get(ctx, "yaml:hash")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), v)

	require.NoError(t, b.Set(ctx, "yaml:hash", []byte("def"), 0))
	v, _, _ = b.Get(ctx, "yaml:hash")
	assert.Equal(t, []byte("def"), v)

	deleted, err := b.Delete(ctx, "yaml:hash")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = b.Delete(ctx, "yaml:hash")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestFileBackendExpiresLazily(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Now()
	b, err := NewFile(dir, 60*time.Second, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, "a", []byte("1"), 0))
	_, ok, _ := b.Get(ctx, "a")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok, err = b.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, fileName("a")))
	assert.True(t, os.IsNotExist(err), "expired entry should be removed from disk")
}

func TestFileBackendKeepsEntryRefreshedDuringExpiry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	start := time.Now()
	calls := 0
	// the first check sees the entry expired; by the time the write lock is
	// held a fresh Set has landed and the entry is current again
	clock := func() time.Time {
		calls++
		if calls == 1 {
			return start.Add(2 * time.Minute)
		}
		return start
	}
	b, err := NewFile(dir, time.Minute, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "a", []byte("1"), 0))

	_, ok, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, fileName("a")))
	assert.NoError(t, err, "a refreshed entry must survive")

	v, ok, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestFileBackendKeysWithSeparators(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFile(dir, 0)
	require.NoError(t, err)

	key := "../../etc/passwd with spaces"
	require.NoError(t, b.Set(ctx, key, []byte("x"), 0))
	v, ok, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), v)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.Contains(entries[0].Name(), "/"))
}

func TestFileBackendInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	b, err := NewFile(t.TempDir(), 0)
	require.NoError(t, err)

	for _, k := range []string{"yaml:hash", "yaml:other", "memo:1", "yaml"} {
		require.NoError(t, b.Set(ctx, k, []byte(k), 0))
	}
	n, err := b.InvalidatePrefix(ctx, "yaml:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.InvalidatePrefix(ctx, "yaml:")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, _ := b.Get(ctx, "memo:1")
	assert.True(t, ok)
	_, ok, _ = b.Get(ctx, "yaml")
	assert.True(t, ok)
}

func TestFileBackendPrefixDoesNotMatchSuffix(t *testing.T) {
	ctx := context.Background()
	b, err := NewFile(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "yaml:hash", []byte("1"), 0))
	n, err := b.InvalidatePrefix(ctx, "yaml:hash.c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileBackendFlush(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFile(dir, 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("keep"), 0o600))
	require.NoError(t, b.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, b.Flush(ctx))
	_, ok, _ := b.Get(ctx, "a")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "unrelated.txt"))
	assert.NoError(t, err)
}

func TestFileBackendMaxBytes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFile(dir, 0, WithMaxBytes(25))
	require.NoError(t, err)

	payload := []byte("0123456789")
	require.NoError(t, b.Set(ctx, "first", payload, 0))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, fileName("first")), old, old))
	require.NoError(t, b.Set(ctx, "second", payload, 0))
	require.NoError(t, b.Set(ctx, "third", payload, 0))

	_, ok, _ := b.Get(ctx, "first")
	assert.False(t, ok, "oldest entry should be pruned")
	_, ok, _ = b.Get(ctx, "third")
	assert.True(t, ok)
}

func TestNewFileUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	_, err := NewFile(filepath.Join(blocker, "sub"), 0)
	assert.Error(t, err)
}
