package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	lock := NewLock(filepath.Join(t.TempDir(), "nested", ".ddf_server.lock"))
	assert.False(t, lock.Exists())

	require.NoError(t, lock.Acquire())
	assert.True(t, lock.Exists())
	pid, err := lock.PID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	err = NewLock(lock.Path()).Acquire()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Exists())
	require.NoError(t, lock.Release())
}

func TestLockTakesOverStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ddf_server.lock")
	require.NoError(t, os.WriteFile(path, []byte("424242"), 0o644))
	lock := NewLock(path)
	lock.alive = func(pid int) bool { return false }

	require.NoError(t, lock.Acquire())
	pid, err := lock.PID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLockTakesOverCorruptLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ddf_server.lock")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))
	require.NoError(t, NewLock(path).Acquire())
}

func TestLockReleaseLeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ddf_server.lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid()+1)), 0o644))
	lock := NewLock(path)
	require.NoError(t, lock.Release())
	assert.True(t, lock.Exists())
	require.NoError(t, lock.Remove())
	assert.False(t, lock.Exists())
	require.NoError(t, lock.Remove())
}

func TestPidAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
}
