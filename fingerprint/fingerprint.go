// Package fingerprint records the content hash of the tracked manifest next to
// it on disk, so any process can tell which version was loaded last, and
// compares that record with the hash the cache last saw.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/cache"
)

const (
	// Suffix is the extension of a fingerprint record file.
	Suffix = ".sha256"
	// HashKey is the cache key holding the last known fingerprint.
	HashKey = "yaml:hash"
	// HashPrefix covers HashKey and anything else derived from the manifest.
	HashPrefix = "yaml:"
)

// Record describes a freshly written fingerprint.
type Record struct {
	Hash        string
	SidecarPath string
	Data        []byte
}

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sidecars(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*"+Suffix))
}

// Write hashes the file at path and makes <hash>.sha256 the only record in the
// file's directory. The file's bytes are returned so callers need not read it
// twice.
func Write(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, errors.Wrapf(err, "reading %s", path)
	}
	hash := Sum(data)
	dir := filepath.Dir(path)
	sidecar := filepath.Join(dir, hash+Suffix)

	existing, err := sidecars(dir)
	if err != nil {
		return Record{}, errors.Wrapf(err, "listing fingerprints in %s", dir)
	}
	for _, p := range existing {
		if p == sidecar {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return Record{}, errors.Wrapf(err, "removing stale fingerprint %s", p)
		}
	}
	if err := os.WriteFile(sidecar, []byte(hash), 0o644); err != nil {
		return Record{}, errors.Wrapf(err, "writing fingerprint %s", sidecar)
	}
	return Record{Hash: hash, SidecarPath: sidecar, Data: data}, nil
}

// ReadLastKnown returns the hash recorded in dir, or "" when there is none.
// With several records present (an interrupted write by another process) the
// first one in lexical order wins.
func ReadLastKnown(dir string) string {
	matches, err := sidecars(dir)
	if err != nil || len(matches) == 0 {
		return ""
	}
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if hash := strings.TrimSpace(string(data)); hash != "" {
			return hash
		}
		return strings.TrimSuffix(filepath.Base(p), Suffix)
	}
	return ""
}

// Comparison is the outcome of Compare.
type Comparison struct {
	Current string
	Cached  string
	Match   bool
}

// Store ties the on-disk record in Dir to the cached last known hash.
type Store struct {
	Dir   string
	Cache *cache.Manager
}

func NewStore(dir string, mgr *cache.Manager) *Store {
	return &Store{Dir: dir, Cache: mgr}
}

// Current returns the fingerprint recorded on disk.
func (s *Store) Current() string {
	return ReadLastKnown(s.Dir)
}

// Compare checks the on-disk record against the cached hash. Two empty values
// are not a match.
func (s *Store) Compare(ctx context.Context) Comparison {
	cached, _ := cache.GetValue[string](ctx, s.Cache, HashKey)
	current := s.Current()
	return Comparison{
		Current: current,
		Cached:  cached,
		Match:   current != "" && cached == current,
	}
}

// Refresh rewrites the record for path and then compares. When path cannot be
// read the result is a mismatch carrying an empty Current.
func (s *Store) Refresh(ctx context.Context, path string) Comparison {
	if _, err := Write(path); err != nil {
		cached, _ := cache.GetValue[string](ctx, s.Cache, HashKey)
		return Comparison{Cached: cached}
	}
	return s.Compare(ctx)
}
