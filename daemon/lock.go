package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/sys"
	"github.com/shirou/gopsutil/v4/process"
)

var ErrAlreadyRunning = errors.New("daemon already running")

// Lock is the PID file that makes the daemon a single instance.
type Lock struct {
	path  string
	alive func(pid int) bool
}

func NewLock(path string) *Lock {
	return &Lock{path: path, alive: pidAlive}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (l *Lock) Path() string { return l.path }

// Exists reports whether the lock file is present.
func (l *Lock) Exists() bool {
	return sys.Exists(l.path)
}

// PID returns the process id recorded in the lock file.
func (l *Lock) PID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "lock file %s is corrupt", l.path)
	}
	return pid, nil
}

// Acquire creates the lock file holding this process's PID. A lock left by a
// process that no longer exists is taken over.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", l.path)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return errors.Wrapf(errors.CombineErrors(werr, cerr), "writing %s", l.path)
			}
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrapf(err, "creating %s", l.path)
		}
		if pid, perr := l.PID(); perr == nil && l.alive(pid) {
			return errors.Wrapf(ErrAlreadyRunning, "pid %d holds %s", pid, l.path)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing stale %s", l.path)
		}
	}
	return errors.Wrapf(ErrAlreadyRunning, "%s was recreated while acquiring it", l.path)
}

// Release removes the lock file if this process holds it.
func (l *Lock) Release() error {
	pid, err := l.PID()
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", l.path)
	}
	return nil
}

// Remove deletes the lock file regardless of owner. Clients use it for locks
// whose daemon no longer answers.
func (l *Lock) Remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", l.path)
	}
	return nil
}
