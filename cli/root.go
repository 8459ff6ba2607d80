package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/daemon"
	"github.com/cumulus13/ddf/manifest"
	"github.com/cumulus13/ddf/sys"
	"github.com/cumulus13/ddf/tui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// shortAliases are the multi-letter short options pflag cannot express.
var shortAliases = map[string]string{
	"-rm": "--remove-service",
	"-rn": "--rename-service",
	"-dd": "--duplicate-service",
	"-hc": "--health-check",
}

// NormalizeArgs rewrites multi-letter short options to their long form. The
// result is never nil so cobra does not fall back to os.Args.
func NormalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if long, ok := shortAliases[name]; ok {
			if hasValue {
				arg = long + "=" + value
			} else {
				arg = long
			}
		}
		out = append(out, arg)
	}
	return out
}

type options struct {
	service    string
	file       string
	list       bool
	filters    []string
	create     bool
	remove     bool
	rename     string
	duplicate  string
	restore    string
	backups    bool
	serverMode bool
	health     bool
	flush      bool
	debug      bool
}

// NewRootCommand returns the ddf command bound to app.
func NewRootCommand(app *App) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "ddf [service]",
		Short:         "Inspect and edit docker compose services",
		Version:       app.version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.service = args[0]
			}
			return app.execute(cmd, opts)
		},
	}
	cmd.SetVersionTemplate("ddf version {{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "c", "", "path to the compose file")
	flags.BoolVarP(&opts.list, "list-service-name", "L", false, "list service names")
	flags.StringSliceVarP(&opts.filters, "filter", "F", nil, "only list services containing one of these substrings")
	flags.BoolVarP(&opts.create, "new", "n", false, "create an empty service named [service] (-n)")
	flags.BoolVar(&opts.remove, "remove-service", false, "remove [service] (-rm)")
	flags.StringVar(&opts.rename, "rename-service", "", "rename [service] to `NEW_NAME` (-rn)")
	flags.StringVar(&opts.duplicate, "duplicate-service", "", "copy [service] as `NEW_NAME` (-dd)")
	flags.StringVar(&opts.restore, "restore-backup", "", "restore the compose file from `BACKUP` (default newest)")
	flags.Lookup("restore-backup").NoOptDefVal = manifest.LatestBackup
	flags.BoolVar(&opts.backups, "list-backups", false, "list saved copies of the compose file")
	flags.BoolVar(&opts.health, "health-check", false, "report the daemon's health (-hc)")
	flags.BoolVar(&opts.flush, "flush-cache", false, "remove every cached entry")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&opts.serverMode, "server-mode", false, "run the background daemon")
	_ = flags.MarkHidden("server-mode")
	return cmd
}

func (a *App) execute(cmd *cobra.Command, opts options) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch {
	case opts.health:
		return a.healthCheck(ctx, out)
	case opts.serverMode:
		return a.serve(ctx, out)
	case opts.flush:
		if !a.cache.Flush(ctx) {
			tui.ShowError(out, "Could not flush the %s cache", a.cache.Kind())
			return errReported
		}
		tui.ShowSuccess(out, "Cache flushed (%s)", a.cache.Kind())
		return nil
	}

	if !a.inDaemon && daemon.ShouldForward(a.args) &&
		daemon.IsActive(a.cfg.Server.Active, func() bool { return a.client.IsRunning(ctx) }) {
		if a.forward(ctx, out) {
			return nil
		}
	}

	path, err := a.manifestPath(opts.file)
	if err != nil {
		tui.ShowError(out, "Compose file not found: %s", err)
		return errReported
	}

	switch {
	case opts.backups:
		return a.listBackups(out, path)
	case opts.restore != "":
		used, err := a.editor.RestoreBackup(ctx, path, opts.restore)
		return a.report(out, err, "Restored %s from %s", path, filepath.Base(used))
	case opts.create:
		if opts.service == "" {
			tui.ShowError(out, "No service name provided for new service")
			return errReported
		}
		return a.report(out, a.editor.NewService(ctx, path, opts.service), "Service %q created", opts.service)
	case opts.remove:
		if opts.service == "" {
			tui.ShowError(out, "No service name provided for removal")
			return errReported
		}
		return a.report(out, a.editor.RemoveService(ctx, path, opts.service), "Service %q removed", opts.service)
	case opts.rename != "":
		if opts.service == "" {
			tui.ShowError(out, "No service name provided for renaming")
			return errReported
		}
		return a.report(out, a.editor.RenameService(ctx, path, opts.service, opts.rename),
			"Service %q renamed to %q", opts.service, opts.rename)
	case opts.duplicate != "":
		if opts.service == "" {
			tui.ShowError(out, "No service name provided for duplication")
			return errReported
		}
		return a.report(out, a.editor.DuplicateService(ctx, path, opts.service, opts.duplicate),
			"Service %q duplicated as %q", opts.service, opts.duplicate)
	case opts.service != "" && !opts.list:
		return a.showService(ctx, out, path, opts.service)
	}
	return a.listServices(ctx, out, path, opts.filters)
}

func (a *App) report(out io.Writer, err error, msg string, args ...any) error {
	if err != nil {
		switch {
		case errors.Is(err, manifest.ErrServiceNotFound):
			tui.ShowError(out, "Service not found: %s", err)
		case errors.Is(err, manifest.ErrServiceExists):
			tui.ShowError(out, "Service already exists: %s", err)
		case errors.Is(err, manifest.ErrInvalidServiceName):
			tui.ShowError(out, "Invalid service name: %s", err)
		case errors.Is(err, manifest.ErrNoBackups), errors.Is(err, manifest.ErrBackupsDisabled):
			tui.ShowError(out, "Cannot restore: %s", err)
		default:
			tui.ShowError(out, "Error: %s", err)
		}
		return errReported
	}
	tui.ShowSuccess(out, msg, args...)
	return nil
}

// forward hands the invocation to the daemon and reports whether it was
// accepted. On failure the caller runs the command itself.
func (a *App) forward(ctx context.Context, out io.Writer) bool {
	cwd, err := a.workDir()
	if err != nil {
		a.log.Warn("not forwarding: %s", err)
		return false
	}
	ack, err := a.client.Forward(ctx, a.args, cwd, a.spawn)
	if err != nil {
		a.log.Debug("forwarding failed: %s", err)
		tui.ShowWarning(out, "Daemon unavailable, running locally")
		return false
	}
	tui.ShowSuccess(out, "📤 Command sent to background server (%s)", ack.ID)
	return true
}

func (a *App) listServices(ctx context.Context, out io.Writer, path string, filters []string) error {
	names, err := a.loader.ServiceNames(ctx, path, filters...)
	if err != nil {
		tui.ShowError(out, "Error: %s", err)
		return errReported
	}
	if len(names) == 0 {
		tui.ShowError(out, "No matching services found")
		return nil
	}
	io.WriteString(out, tui.Title("Available service names:")+"\n")
	for _, name := range names {
		io.WriteString(out, "  - "+tui.Highlight(name)+"\n")
	}
	return nil
}

func (a *App) listBackups(out io.Writer, path string) error {
	backups, err := a.editor.Backups(path)
	if err != nil {
		tui.ShowError(out, "Error: %s", err)
		return errReported
	}
	if len(backups) == 0 {
		tui.ShowWarning(out, "No backups of %s", path)
		return nil
	}
	io.WriteString(out, tui.Title("Backups (newest first):")+"\n")
	for _, b := range backups {
		fmt.Fprintf(out, "  - %s  %s\n", tui.Highlight(filepath.Base(b.Path)), b.ModTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (a *App) showService(ctx context.Context, out io.Writer, path, name string) error {
	doc, err := a.loader.LoadWithCache(ctx, path)
	if err != nil {
		tui.ShowError(out, "Error: %s", err)
		return errReported
	}
	svc, ok := doc.Services()[name]
	if !ok {
		tui.ShowError(out, "Service not found: %q", name)
		return errReported
	}
	body, err := yaml.Marshal(map[string]any{name: svc})
	if err != nil {
		tui.ShowError(out, "Error: %s", err)
		return errReported
	}
	_, err = out.Write(body)
	return err
}

func (a *App) healthCheck(ctx context.Context, out io.Writer) error {
	if !a.client.IsRunning(ctx) {
		tui.ShowError(out, "Server is not running")
		return errReported
	}
	h, err := a.client.HealthCheck(ctx)
	if err != nil {
		tui.ShowError(out, "Health check failed: %s", err)
		return errReported
	}
	ok := tui.ShowChecks(out, "Server Health Check", []tui.Check{
		{Name: "Server Running", OK: h.ServerRunning},
		{Name: "Lock File Exists", OK: h.LockFileExists},
		{Name: "Port Available", OK: h.PortAvailable},
		{Name: "Cache Available", OK: h.CacheAvailable},
	})
	if !ok {
		return errReported
	}
	return nil
}

// serve runs the daemon and, when a compose file can be found, a watcher that
// keeps its cache entries warm. It returns on interrupt or when the daemon
// stops.
func (a *App) serve(ctx context.Context, out io.Writer) error {
	if a.inDaemon {
		tui.ShowError(out, "Already running in server mode")
		return errReported
	}
	ctx, stop := sys.ShutdownContext(ctx)
	defer stop()

	srv := daemon.NewServer(a.cfg.Server, a.cache, a, a.notifier, a.log)
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return srv.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-srv.Ready():
			tui.ShowBanner(out, "ddf "+a.version+" server",
				fmt.Sprintf("Listening on %s\nCache backend: %s\nLock file: %s",
					srv.Addr(), a.cache.Kind(), a.cfg.Server.LockFile))
		case <-gctx.Done():
		}
		return nil
	})
	if path, err := a.manifestPath(""); err == nil {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return nil
			}
			if _, err := a.loader.LoadWithCache(gctx, path); err != nil {
				a.log.Warn("warming cache for %s: %s", path, err)
			}
			if err := manifest.NewWatcher(path, a.loader, a.log).Run(gctx); err != nil {
				a.log.Warn("%s", err)
			}
			return nil
		})
	} else {
		a.log.Debug("no compose file to watch: %s", err)
	}

	err := g.Wait()
	switch {
	case errors.Is(err, daemon.ErrAlreadyRunning):
		tui.ShowError(out, "Server already running")
		return errReported
	case errors.Is(err, daemon.ErrBind):
		tui.ShowError(out, "Cannot start server: %s", err)
		return errReported
	case err != nil:
		return err
	}
	return nil
}
