// Package manifest loads the compose file through the warm cache and applies
// the structural edits that must invalidate it.
package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/cache"
	"github.com/cumulus13/ddf/fingerprint"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/memoize"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound        = errors.New("no compose file found")
	ErrNoServices      = errors.New("compose file has no services section")
	ErrServiceNotFound = errors.New("service not found")
	ErrServiceExists   = errors.New("service already exists")
)

// DefaultFileNames are tried in order when no file is configured.
var DefaultFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

// Document is a decoded compose file.
type Document map[string]any

// Services returns the services section, or nil.
func (d Document) Services() map[string]any {
	services, _ := d["services"].(map[string]any)
	return services
}

// Resolve returns the manifest to use: configured if set (relative paths are
// taken from dir), else the first default name present in dir.
func Resolve(configured, dir string) (string, error) {
	if configured != "" {
		if !filepath.IsAbs(configured) {
			configured = filepath.Join(dir, configured)
		}
		return filepath.Clean(configured), nil
	}
	for _, name := range DefaultFileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "in %s", dir)
}

// Loader reads manifests through the memoized cache.
type Loader struct {
	cache *cache.Manager
	memo  *memoize.Memoizer
	log   logger.Logger
	load  memoize.Func[Document]
	names memoize.Func[[]string]
}

func NewLoader(mgr *cache.Manager, memo *memoize.Memoizer, log logger.Logger) *Loader {
	l := &Loader{cache: mgr, memo: memo, log: log.WithPrefix("[manifest]")}
	validate := memoize.WithValidation(l.validate)
	ttl := memoize.WithTTL(mgr.TTL())
	l.load = memoize.Wrap(memo, "load", l.read, validate, ttl)
	l.names = memoize.Wrap(memo, "service_names", l.serviceNames, validate, ttl)
	return l
}

// validate refreshes the fingerprint record next to the manifest, the first
// positional argument, and compares it with the cached one.
func (l *Loader) validate(ctx context.Context, args ...any) fingerprint.Comparison {
	path, _ := args[0].(string)
	return fingerprint.NewStore(filepath.Dir(path), l.cache).Refresh(ctx, path)
}

func (l *Loader) read(ctx context.Context, args ...any) (Document, error) {
	path := args[0].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if doc == nil {
		doc = Document{}
	}
	l.log.Debug("parsed %s (%d bytes)", path, len(data))
	return doc, nil
}

// LoadWithCache returns the decoded manifest at path, from the cache when the
// file has not changed since it was last loaded.
func (l *Loader) LoadWithCache(ctx context.Context, path string) (Document, error) {
	return l.load(ctx, path)
}

func (l *Loader) serviceNames(ctx context.Context, args ...any) ([]string, error) {
	path := args[0].(string)
	doc, err := l.LoadWithCache(ctx, path)
	if err != nil {
		return nil, err
	}
	services := doc.Services()
	if services == nil {
		return nil, errors.Wrapf(ErrNoServices, "%s", path)
	}
	var filters []string
	for _, a := range args[1:] {
		if f, ok := a.(string); ok && f != "" {
			filters = append(filters, strings.ToLower(f))
		}
	}
	names := make([]string, 0, len(services))
	for name := range services {
		if matches(strings.ToLower(name), filters) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func matches(name string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// ServiceNames lists service names in path, sorted, keeping those that
// contain any of the filters (case-insensitive).
func (l *Loader) ServiceNames(ctx context.Context, path string, filters ...string) ([]string, error) {
	args := make([]any, 0, len(filters)+1)
	args = append(args, path)
	for _, f := range filters {
		args = append(args, f)
	}
	return l.names(ctx, args...)
}

// Invalidate drops everything cached about manifests.
func (l *Loader) Invalidate(ctx context.Context) {
	n := l.memo.Invalidate(ctx)
	l.log.Debug("invalidated %d cached entries", n)
}
