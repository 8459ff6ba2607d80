package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *sqliteBackend {
	t.Helper()
	b, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "cache.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b.(*sqliteBackend)
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLite(t)
	assert.Equal(t, KindSQLite, b.Kind())

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", []byte("v1"), 0))
	require.NoError(t, b.Set(ctx, "k", []byte("v2"), 0))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v)

	deleted, err := b.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = b.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSQLiteBackendExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLite(t)
	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, b.Set(ctx, "forever", []byte("v"), 0))
	now = now.Add(2 * time.Second)

	_, ok, err := b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = b.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteBackendInvalidatePrefixAndFlush(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLite(t)
	for _, k := range []string{"yaml:hash", "yaml:x", "memo:1", "yam"} {
		require.NoError(t, b.Set(ctx, k, []byte("v"), 0))
	}
	n, err := b.InvalidatePrefix(ctx, "yaml:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.InvalidatePrefix(ctx, "yaml:")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, b.Flush(ctx))
	_, ok, _ := b.Get(ctx, "memo:1")
	assert.False(t, ok)
}

func TestSQLiteBackendCloseTwice(t *testing.T) {
	b := newTestSQLite(t)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
