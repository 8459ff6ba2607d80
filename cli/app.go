// Package cli wires configuration, the cache, the manifest loader and the
// daemon together behind the ddf command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/cache"
	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/daemon"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/manifest"
	"github.com/cumulus13/ddf/memoize"
)

// ExitError is returned for failures that were already reported to the user.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

var errReported = &ExitError{Code: 1}

// App holds the services one ddf process shares between the commands it runs,
// whether invoked directly or by the daemon.
type App struct {
	cfg     config.Config
	log     logger.Logger
	version string

	cache  *cache.Manager
	memo   *memoize.Memoizer
	loader *manifest.Loader
	editor *manifest.Editor
	client *daemon.Client

	notifier daemon.Notifier
	spawn    func() error

	// args is the raw command line, used by the forwarding policy.
	args []string
	// dir overrides the working directory for manifest discovery.
	dir string
	// inDaemon is set for invocations the daemon runs; they never forward.
	inDaemon bool
}

type Option func(*App)

// WithSpawn replaces how a missing daemon is started.
func WithSpawn(fn func() error) Option {
	return func(a *App) { a.spawn = fn }
}

// WithNotifier replaces the notifier used in server mode.
func WithNotifier(n daemon.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithCacheOptions passes options to the cache manager.
func WithCacheOptions(opts ...cache.ManagerOption) Option {
	return func(a *App) { a.cache = cache.NewManager(a.cfg.Cache, a.log, opts...) }
}

func NewApp(cfg config.Config, log logger.Logger, version string, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		log:     log,
		version: version,
		spawn:   daemon.SpawnSelf,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = cache.NewManager(cfg.Cache, log)
	}
	if a.notifier == nil {
		a.notifier = daemon.MultiNotifier{daemon.LogNotifier{Log: log}, daemon.NewDesktopNotifier("ddf")}
	}
	a.memo = memoize.New(a.cache, nil, log)
	a.loader = manifest.NewLoader(a.cache, a.memo, log)
	var editorOpts []manifest.EditorOption
	if cfg.Backup.Enabled {
		editorOpts = append(editorOpts, manifest.WithBackups(manifest.NewBackups(cfg.Backup.Directory, cfg.Backup.Keep)))
	}
	a.editor = manifest.NewEditor(a.loader, editorOpts...)
	a.client = daemon.NewClient(cfg.Server, log)
	return a
}

// Close releases the cache backend.
func (a *App) Close() error {
	return a.cache.Close()
}

// Run executes one daemon invocation with the same services as the daemon
// itself. Failures reported in the output are not errors; the daemon
// classifies them from the output.
func (a *App) Run(ctx context.Context, inv daemon.Invocation) error {
	child := *a
	child.inDaemon = true
	child.args = inv.Args
	child.dir = inv.Dir
	child.log = logger.WithKV(a.log, "id", inv.ID)

	cmd := NewRootCommand(&child)
	cmd.SetArgs(NormalizeArgs(inv.Args))
	cmd.SetOut(inv.Stdout)
	cmd.SetErr(inv.Stderr)
	err := cmd.ExecuteContext(ctx)
	var exit *ExitError
	if errors.As(err, &exit) {
		return nil
	}
	return err
}

func (a *App) workDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	return os.Getwd()
}

// manifestPath resolves the compose file: the flag, else the configured file,
// else discovery in the working directory.
func (a *App) manifestPath(flag string) (string, error) {
	dir, err := a.workDir()
	if err != nil {
		return "", errors.Wrap(err, "reading working directory")
	}
	configured := flag
	if configured == "" {
		configured = a.cfg.Manifest.File
	}
	return manifest.Resolve(config.ExpandHome(configured), dir)
}
