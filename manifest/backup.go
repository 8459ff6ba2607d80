package manifest

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	backupSuffix     = ".backup"
	backupTimeLayout = "20060102_150405.000000"
	maxNameLength    = 255

	maxBackupCollisions = 10
)

// LatestBackup selects the newest copy when restoring.
const LatestBackup = "latest"

var (
	ErrInvalidServiceName = errors.New("invalid service name")
	ErrNoBackups          = errors.New("no backup found")
	ErrBackupsDisabled    = errors.New("backups are disabled")

	serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateServiceName rejects names that are empty, longer than 255
// characters or contain anything but letters, digits, dot, dash and
// underscore.
func ValidateServiceName(name string) error {
	switch {
	case name == "":
		return errors.Wrap(ErrInvalidServiceName, "name is empty")
	case len(name) > maxNameLength:
		return errors.Wrapf(ErrInvalidServiceName, "name is longer than %d characters", maxNameLength)
	case !serviceNamePattern.MatchString(name):
		return errors.Wrapf(ErrInvalidServiceName, "%q may only contain letters, digits, '.', '-' and '_'", name)
	}
	return nil
}

// Backup is one saved copy of a manifest.
type Backup struct {
	Path    string
	ModTime time.Time
}

// Backups keeps timestamped copies of manifests in one directory. Copies are
// named <file>.<operation>[.<service>].<timestamp>.backup.
type Backups struct {
	dir  string
	keep int
	now  func() time.Time
}

type BackupOption func(*Backups)

// WithBackupClock replaces time.Now for backup timestamps.
func WithBackupClock(now func() time.Time) BackupOption {
	return func(b *Backups) { b.now = now }
}

// NewBackups stores copies in dir, keeping at most keep per manifest. A keep
// of zero never removes anything.
func NewBackups(dir string, keep int, opts ...BackupOption) *Backups {
	b := &Backups{dir: dir, keep: keep, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create copies path into the backup directory, preserving its mode and
// modification time, and returns the copy's path.
func (b *Backups) Create(path, operation, service string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s for backup", path)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "opening %s for backup", path)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating backup directory %s", b.dir)
	}

	parts := []string{filepath.Base(path), operation}
	if service != "" {
		parts = append(parts, service)
	}
	parts = append(parts, b.now().Format(backupTimeLayout))
	base := filepath.Join(b.dir, strings.Join(parts, "."))

	var out *os.File
	dst := base + backupSuffix
	for n := 1; ; n++ {
		out, err = os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
		if err == nil {
			break
		}
		if !os.IsExist(err) || n == maxBackupCollisions {
			return "", errors.Wrapf(err, "creating backup %s", dst)
		}
		dst = base + "-" + strconv.Itoa(n) + backupSuffix
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", errors.Wrapf(err, "writing backup %s", dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", errors.Wrapf(err, "writing backup %s", dst)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return "", errors.Wrapf(err, "writing backup %s", dst)
	}
	if b.keep > 0 {
		if err := b.prune(path); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// List returns the copies of path, newest first. The timestamp in the name
// orders them; copies keep the source's modification time.
func (b *Backups) List(path string) ([]Backup, error) {
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading backup directory %s", b.dir)
	}
	prefix := filepath.Base(path) + "."
	var backups []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Backup{Path: filepath.Join(b.dir, name), ModTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backupStamp(backups[i].Path) > backupStamp(backups[j].Path)
	})
	return backups, nil
}

func (b *Backups) prune(path string) error {
	backups, err := b.List(path)
	if err != nil || len(backups) <= b.keep {
		return err
	}
	for _, old := range backups[b.keep:] {
		if err := os.Remove(old.Path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing old backup %s", old.Path)
		}
	}
	return nil
}

// backupStamp extracts the timestamp, the last two dot-separated fields
// before the suffix.
func backupStamp(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), backupSuffix)
	fields := strings.Split(name, ".")
	if len(fields) < 2 {
		return name
	}
	return strings.Join(fields[len(fields)-2:], ".")
}
